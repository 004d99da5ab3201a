// Package fileserver serves a node's files to the proxy and, for ticketed
// downloads, directly to clients.
package fileserver

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/storage/local"
	"github.com/sp1r1t/ds13/internal/ticket"
	"github.com/sp1r1t/ds13/internal/wire"
)

// Reply texts sent to clients and the proxy.
const (
	MsgFileNotFound    = "File not found"
	MsgNoSuchFile      = "File does not exist"
	MsgChecksumFailed  = "Checksum failed"
	MsgInvalidFilename = "invalid filename"
	MsgUploadFailed    = "Upload failed"
	MsgInvalidCommand  = "invalid command"
)

// Server answers list, info, version, download and upload requests.
// Connections are independent; the store does its own locking.
type Server struct {
	store     local.LocalStorage
	authority *ticket.Authority
	port      int
	host      string
	redeemed  *cache.Cache
	logger    *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAdvertisedHost makes download checks compare the ticket's address with
// host, the address the proxy sees heartbeats from. Without it only the port
// is compared.
func WithAdvertisedHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// New creates a Server for the node listening on port. A redeemed ticket is
// remembered for ticketTTL and refused if presented again.
func New(store local.LocalStorage, authority *ticket.Authority, port int, ticketTTL time.Duration, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		store:     store,
		authority: authority,
		port:      port,
		redeemed:  cache.New(ticketTTL, ticketTTL),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeConn implements transport.ConnHandler. It answers requests until the
// peer closes the connection.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	for {
		req, err := wire.ReadRequest(conn)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) {
				if werr := wire.WriteMessage(conn, wire.MessageResponse{Message: MsgInvalidCommand}); werr != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Connection ended", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		resp := s.Handle(req)
		if err := wire.WriteMessage(conn, resp); err != nil {
			s.logger.Warn("Write response failed", zap.String("remote", remote), zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Handle produces the response for one request.
func (s *Server) Handle(req wire.Request) wire.Response {
	if err := wire.Validate(req); err != nil {
		s.logger.Debug("Invalid request", zap.Error(err))
		if _, ok := req.(wire.DownloadFileRequest); ok {
			return wire.MessageResponse{Message: MsgChecksumFailed}
		}
		return wire.MessageResponse{Message: MsgInvalidCommand}
	}

	switch r := req.(type) {
	case wire.ListRequest:
		return s.list()
	case wire.InfoRequest:
		size, err := s.store.Size(r.Filename)
		if err != nil {
			return wire.MessageResponse{Message: MsgNoSuchFile}
		}
		return wire.InfoResponse{Filename: r.Filename, Size: size}
	case wire.VersionRequest:
		v, err := s.store.Version(r.Filename)
		if err != nil {
			return wire.MessageResponse{Message: MsgNoSuchFile}
		}
		return wire.VersionResponse{Filename: r.Filename, Version: v}
	case wire.DownloadFileRequest:
		return s.download(r.Ticket)
	case wire.UploadRequest:
		return s.upload(r)
	default:
		return wire.MessageResponse{Message: MsgInvalidCommand}
	}
}

func (s *Server) list() wire.Response {
	names, err := s.store.List()
	if err != nil {
		s.logger.Error("List failed", zap.Error(err))
		names = nil
	}
	if names == nil {
		names = []string{}
	}
	return wire.ListResponse{Filenames: names}
}

// download verifies t against the file's current size and version, then
// releases the content once per ticket.
func (s *Server) download(t wire.Ticket) wire.Response {
	content, version, err := s.store.Read(t.Filename)
	if err != nil {
		return wire.MessageResponse{Message: MsgFileNotFound}
	}
	if (s.port != 0 && t.Port != s.port) || (s.host != "" && t.Address != s.host) {
		s.logger.Warn("Ticket names another server",
			zap.String("file", t.Filename),
			zap.String("address", t.Address),
			zap.Int("port", t.Port),
		)
		return wire.MessageResponse{Message: MsgChecksumFailed}
	}
	if err := s.authority.Check(t.Tag, t.Nonce, t.Username, t.Filename, version, int64(len(content))); err != nil {
		s.logger.Warn("Ticket rejected",
			zap.String("user", t.Username),
			zap.String("file", t.Filename),
			zap.Int("ticketVersion", t.Version),
			zap.Int("version", version),
		)
		return wire.MessageResponse{Message: MsgChecksumFailed}
	}
	if err := s.redeemed.Add(t.Nonce, t.Username, cache.DefaultExpiration); err != nil {
		s.logger.Warn("Ticket replayed", zap.String("user", t.Username), zap.String("file", t.Filename))
		return wire.MessageResponse{Message: MsgChecksumFailed}
	}

	s.logger.Info("Download served",
		zap.String("user", t.Username),
		zap.String("file", t.Filename),
		zap.Int("version", version),
		zap.Int("size", len(content)),
	)
	return wire.DownloadFileResponse{Ticket: t, Content: content}
}

func (s *Server) upload(r wire.UploadRequest) wire.Response {
	if _, err := s.store.Store(r.Filename, r.Version, r.Content); err != nil {
		if errors.Is(err, local.ErrInvalidName) {
			return wire.MessageResponse{Message: MsgInvalidFilename}
		}
		s.logger.Error("Upload failed", zap.String("file", r.Filename), zap.Error(err))
		return wire.MessageResponse{Message: MsgUploadFailed}
	}
	return wire.MessageResponse{Message: wire.UploadOK}
}
