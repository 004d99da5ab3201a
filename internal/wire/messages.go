package wire

// Message type discriminators.
const (
	TypeLogin          = "login"
	TypeCredits        = "credits"
	TypeBuy            = "buy"
	TypeList           = "list"
	TypeDownloadTicket = "download_ticket"
	TypeUpload         = "upload"
	TypeLogout         = "logout"
	TypeInfo           = "info"
	TypeVersion        = "version"
	TypeDownloadFile   = "download_file"

	TypeMessage       = "message"
	TypeLoginResult   = "login_result"
	TypeCreditsResult = "credits_result"
	TypeListResult    = "list_result"
	TypeTicketResult  = "ticket_result"
	TypeInfoResult    = "info_result"
	TypeVersionResult = "version_result"
	TypeFileResult    = "file_result"
)

// Message is any value that can travel in a frame.
type Message interface {
	MessageType() string
}

// Request is the closed set of messages a client or the proxy may send.
// Handlers switch over the concrete types.
type Request interface {
	Message
	isRequest()
}

// Response is the closed set of messages sent back for a Request.
type Response interface {
	Message
	isResponse()
}

// Ticket authorises one download of one file from one file server.
type Ticket struct {
	Username string `json:"username" validate:"required"`
	Filename string `json:"filename" validate:"required"`
	Version  int    `json:"version" validate:"gte=0"`
	Nonce    string `json:"nonce" validate:"required"`
	Tag      string `json:"tag" validate:"required,hexadecimal"`
	Address  string `json:"address" validate:"required"`
	Port     int    `json:"port" validate:"gt=0,lte=65535"`
}

// --- requests ---

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type CreditsRequest struct{}

type BuyRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

type ListRequest struct{}

type DownloadTicketRequest struct {
	Filename string `json:"filename" validate:"required"`
}

// UploadRequest is sent by a client to the proxy and by the proxy to every
// online file server.
type UploadRequest struct {
	Filename string `json:"filename" validate:"required"`
	Version  int    `json:"version" validate:"gte=0"`
	Content  []byte `json:"content"`
}

type LogoutRequest struct{}

type InfoRequest struct {
	Filename string `json:"filename" validate:"required"`
}

type VersionRequest struct {
	Filename string `json:"filename" validate:"required"`
}

// DownloadFileRequest is presented by a client directly to a file server.
type DownloadFileRequest struct {
	Ticket Ticket `json:"ticket"`
}

func (LoginRequest) MessageType() string          { return TypeLogin }
func (CreditsRequest) MessageType() string        { return TypeCredits }
func (BuyRequest) MessageType() string            { return TypeBuy }
func (ListRequest) MessageType() string           { return TypeList }
func (DownloadTicketRequest) MessageType() string { return TypeDownloadTicket }
func (UploadRequest) MessageType() string         { return TypeUpload }
func (LogoutRequest) MessageType() string         { return TypeLogout }
func (InfoRequest) MessageType() string           { return TypeInfo }
func (VersionRequest) MessageType() string        { return TypeVersion }
func (DownloadFileRequest) MessageType() string   { return TypeDownloadFile }

func (LoginRequest) isRequest()          {}
func (CreditsRequest) isRequest()        {}
func (BuyRequest) isRequest()            {}
func (ListRequest) isRequest()           {}
func (DownloadTicketRequest) isRequest() {}
func (UploadRequest) isRequest()         {}
func (LogoutRequest) isRequest()         {}
func (InfoRequest) isRequest()           {}
func (VersionRequest) isRequest()        {}
func (DownloadFileRequest) isRequest()   {}

// --- responses ---

// UploadOK is the acknowledgement a file server sends for a stored upload.
const UploadOK = "Upload OK"

// MessageResponse carries a human readable result or failure.
type MessageResponse struct {
	Message string `json:"message"`
}

// LoginStatus is the outcome of a LoginRequest.
type LoginStatus string

const (
	LoginSuccess          LoginStatus = "success"
	LoginWrongCredentials LoginStatus = "wrong_credentials"
	LoginAlreadyLoggedIn  LoginStatus = "already_logged_in"
)

type LoginResponse struct {
	Status  LoginStatus `json:"status"`
	Message string      `json:"message"`
}

type CreditsResponse struct {
	Credits int64  `json:"credits"`
	Message string `json:"message"`
}

type ListResponse struct {
	Filenames []string `json:"filenames"`
}

type DownloadTicketResponse struct {
	Ticket Ticket `json:"ticket"`
}

type InfoResponse struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type VersionResponse struct {
	Filename string `json:"filename"`
	Version  int    `json:"version"`
}

type DownloadFileResponse struct {
	Ticket  Ticket `json:"ticket"`
	Content []byte `json:"content"`
}

func (MessageResponse) MessageType() string        { return TypeMessage }
func (LoginResponse) MessageType() string          { return TypeLoginResult }
func (CreditsResponse) MessageType() string        { return TypeCreditsResult }
func (ListResponse) MessageType() string           { return TypeListResult }
func (DownloadTicketResponse) MessageType() string { return TypeTicketResult }
func (InfoResponse) MessageType() string           { return TypeInfoResult }
func (VersionResponse) MessageType() string        { return TypeVersionResult }
func (DownloadFileResponse) MessageType() string   { return TypeFileResult }

func (MessageResponse) isResponse()        {}
func (LoginResponse) isResponse()          {}
func (CreditsResponse) isResponse()        {}
func (ListResponse) isResponse()           {}
func (DownloadTicketResponse) isResponse() {}
func (InfoResponse) isResponse()           {}
func (VersionResponse) isResponse()        {}
func (DownloadFileResponse) isResponse()   {}
