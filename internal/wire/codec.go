package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownType is returned for a well-formed envelope whose type is not
	// part of the protocol.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned when a frame is not a decodable envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrInvalid is returned by Validate when a field constraint fails.
	ErrInvalid = errors.New("invalid message")
)

var validate = validator.New()

type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode marshals m into an envelope payload (without the length prefix).
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return json.Marshal(envelope{Type: m.MessageType(), Body: body})
}

// DecodeRequest decodes a payload into one of the Request types.
func DecodeRequest(payload []byte) (Request, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	var req Request
	switch env.Type {
	case TypeLogin:
		req, err = decodeBody[LoginRequest](env)
	case TypeCredits:
		req, err = decodeBody[CreditsRequest](env)
	case TypeBuy:
		req, err = decodeBody[BuyRequest](env)
	case TypeList:
		req, err = decodeBody[ListRequest](env)
	case TypeDownloadTicket:
		req, err = decodeBody[DownloadTicketRequest](env)
	case TypeUpload:
		req, err = decodeBody[UploadRequest](env)
	case TypeLogout:
		req, err = decodeBody[LogoutRequest](env)
	case TypeInfo:
		req, err = decodeBody[InfoRequest](env)
	case TypeVersion:
		req, err = decodeBody[VersionRequest](env)
	case TypeDownloadFile:
		req, err = decodeBody[DownloadFileRequest](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeResponse decodes a payload into one of the Response types.
func DecodeResponse(payload []byte) (Response, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	var resp Response
	switch env.Type {
	case TypeMessage:
		resp, err = decodeBody[MessageResponse](env)
	case TypeLoginResult:
		resp, err = decodeBody[LoginResponse](env)
	case TypeCreditsResult:
		resp, err = decodeBody[CreditsResponse](env)
	case TypeListResult:
		resp, err = decodeBody[ListResponse](env)
	case TypeTicketResult:
		resp, err = decodeBody[DownloadTicketResponse](env)
	case TypeInfoResult:
		resp, err = decodeBody[InfoResponse](env)
	case TypeVersionResult:
		resp, err = decodeBody[VersionResponse](env)
	case TypeFileResult:
		resp, err = decodeBody[DownloadFileResponse](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Validate checks the field constraints declared on m.
func Validate(m Message) error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s: field %s failed %q", ErrInvalid, m.MessageType(), verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalid, m.MessageType(), err)
	}
	return nil
}

// WriteMessage encodes m and writes it to w as one frame.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadRequest reads one frame from r and decodes it as a Request.
func ReadRequest(r io.Reader) (Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(payload)
}

// ReadResponse reads one frame from r and decodes it as a Response.
func ReadResponse(r io.Reader) (Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(payload)
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func decodeBody[T any](env envelope) (T, error) {
	var v T
	if len(env.Body) == 0 || string(env.Body) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(env.Body, &v); err != nil {
		return v, fmt.Errorf("%w: %s body: %v", ErrMalformed, env.Type, err)
	}
	return v, nil
}
