// Package proxy implements the broker: the per-connection request state
// machine and the process-wide state it serializes access to.
package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/coordinator"
	"github.com/sp1r1t/ds13/internal/ledger"
	"github.com/sp1r1t/ds13/internal/wire"
)

// Reply texts.
const (
	MsgLoginSuccess        = "Successfully logged in."
	MsgWrongCredentials    = "Wrong username or password."
	MsgAlreadyLoggedIn     = "User already logged in."
	MsgLoginFirst          = "Login first."
	MsgAmountNotPositive   = "Amount must be positive"
	MsgNotFound            = "No such file was found on the fileservers"
	MsgInsufficientCredits = "Not enough credits available"
	MsgRequestFailed       = "Request failed"
	MsgUploadSuccess       = "Upload was successful"
	MsgUploadFailed        = "Upload failed"
	MsgUploadError         = "An error occured while uploading"
	MsgLoggedOut           = "Successfully logged out."
	MsgLogoutFailed        = "Logout unsuccessful"
	MsgInvalidCommand      = "invalid command"
)

// Session is the state of one client connection: anonymous until a login
// succeeds, then bound to one user until logout or disconnect.
type Session struct {
	id   string
	user string
}

// NewSession returns an anonymous session with a fresh id.
func NewSession() *Session {
	return &Session{id: uuid.NewString()}
}

// ID identifies the session in the ledger and in logs.
func (s *Session) ID() string { return s.id }

// User returns the logged in user, if any.
func (s *Session) User() (string, bool) {
	return s.user, s.user != ""
}

// Dispatcher maps requests onto ledger and coordinator operations. It holds
// no lock of its own; Broker serializes every call.
type Dispatcher struct {
	ledger *ledger.Ledger
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(l *ledger.Ledger, c *coordinator.Coordinator, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{ledger: l, coord: c, logger: logger}
}

// Dispatch produces exactly one response for req and advances s.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, req wire.Request) wire.Response {
	user, authenticated := s.User()

	if r, ok := req.(wire.LoginRequest); ok {
		if authenticated {
			return wire.LoginResponse{Status: wire.LoginAlreadyLoggedIn, Message: MsgAlreadyLoggedIn}
		}
		return d.login(s, r)
	}
	if !authenticated {
		return message(MsgLoginFirst)
	}

	switch r := req.(type) {
	case wire.CreditsRequest:
		return d.credits(user)
	case wire.BuyRequest:
		return d.buy(user, r)
	case wire.ListRequest:
		return wire.ListResponse{Filenames: d.coord.ListAllFiles(ctx)}
	case wire.DownloadTicketRequest:
		return d.downloadTicket(ctx, user, r)
	case wire.UploadRequest:
		return d.upload(ctx, user, r)
	case wire.LogoutRequest:
		return d.logout(s)
	default:
		// includes node requests (info, version, download file) sent to the proxy
		return message(MsgInvalidCommand)
	}
}

// Release logs out the user bound to s, if any.
func (d *Dispatcher) Release(s *Session) {
	user, ok := s.User()
	if !ok {
		return
	}
	if err := d.ledger.Logout(user, s.id); err != nil {
		d.logger.Warn("Release session failed", zap.String("user", user), zap.Error(err))
	}
	s.user = ""
}

func (d *Dispatcher) login(s *Session, r wire.LoginRequest) wire.Response {
	if err := wire.Validate(r); err != nil {
		return wire.LoginResponse{Status: wire.LoginWrongCredentials, Message: MsgWrongCredentials}
	}
	err := d.ledger.Login(r.Username, r.Password, s.id)
	switch {
	case err == nil:
		s.user = r.Username
		return wire.LoginResponse{Status: wire.LoginSuccess, Message: MsgLoginSuccess}
	case errors.Is(err, ledger.ErrAlreadyLoggedIn):
		return wire.LoginResponse{Status: wire.LoginAlreadyLoggedIn, Message: MsgAlreadyLoggedIn}
	default:
		return wire.LoginResponse{Status: wire.LoginWrongCredentials, Message: MsgWrongCredentials}
	}
}

func (d *Dispatcher) credits(user string) wire.Response {
	credits, err := d.ledger.Credits(user)
	if err != nil {
		return d.failure("credits", user, err)
	}
	return wire.CreditsResponse{Credits: credits, Message: fmt.Sprintf("You have %d credits left.", credits)}
}

func (d *Dispatcher) buy(user string, r wire.BuyRequest) wire.Response {
	if err := wire.Validate(r); err != nil {
		return message(MsgAmountNotPositive)
	}
	credits, err := d.ledger.Buy(user, r.Amount)
	if err != nil {
		return d.failure("buy", user, err)
	}
	return wire.CreditsResponse{Credits: credits, Message: fmt.Sprintf("You have now %d credits.", credits)}
}

func (d *Dispatcher) downloadTicket(ctx context.Context, user string, r wire.DownloadTicketRequest) wire.Response {
	if err := wire.Validate(r); err != nil {
		return message(MsgNotFound)
	}
	t, err := d.coord.IssueDownloadTicket(ctx, r.Filename, user)
	switch {
	case err == nil:
		return wire.DownloadTicketResponse{Ticket: t}
	case errors.Is(err, coordinator.ErrNotFound):
		return message(MsgNotFound)
	case errors.Is(err, coordinator.ErrInsufficientCredits):
		return message(MsgInsufficientCredits)
	case errors.Is(err, coordinator.ErrNodeUnavailable):
		d.logger.Warn("Ticket issuance failed", zap.String("user", user), zap.Error(err))
		return message(MsgRequestFailed)
	default:
		return d.failure("download ticket", user, err)
	}
}

func (d *Dispatcher) upload(ctx context.Context, user string, r wire.UploadRequest) wire.Response {
	if err := wire.Validate(r); err != nil {
		return message(MsgUploadFailed)
	}
	_, err := d.coord.BroadcastUpload(ctx, r.Filename, r.Version, r.Content, user)
	switch {
	case err == nil:
		return message(MsgUploadSuccess)
	case errors.Is(err, coordinator.ErrUploadFailed):
		d.logger.Warn("Upload failed", zap.String("user", user), zap.String("file", r.Filename), zap.Error(err))
		return message(MsgUploadFailed)
	default:
		d.logger.Warn("Upload error", zap.String("user", user), zap.String("file", r.Filename), zap.Error(err))
		return message(MsgUploadError)
	}
}

func (d *Dispatcher) logout(s *Session) wire.Response {
	user, _ := s.User()
	if err := d.ledger.Logout(user, s.id); err != nil {
		d.logger.Error("Logout failed", zap.String("user", user), zap.Error(err))
		return message(MsgLogoutFailed)
	}
	s.user = ""
	return message(MsgLoggedOut)
}

// failure covers ledger errors that a well-formed session should never hit.
func (d *Dispatcher) failure(op, user string, err error) wire.Response {
	d.logger.Error("Request failed", zap.String("op", op), zap.String("user", user), zap.Error(err))
	return message(MsgRequestFailed)
}

func message(text string) wire.Response {
	return wire.MessageResponse{Message: text}
}
