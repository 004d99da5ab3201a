// Package nodeclient talks to file servers over the framed TCP protocol.
// Every call dials the node, sends one request and reads one response.
package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/registry"
	"github.com/sp1r1t/ds13/internal/wire"
)

const (
	defaultDialTimeout = 2 * time.Second
	defaultIOTimeout   = 30 * time.Second
)

// ErrUnexpectedResponse is returned when a node answers with the wrong message type.
var ErrUnexpectedResponse = errors.New("unexpected response")

// RemoteError carries a textual failure sent back by a file server or the proxy.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Client is a stateless file server client.
type Client struct {
	dialTimeout time.Duration
	ioTimeout   time.Duration
	attempts    uint
	logger      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDialAttempts sets how often a failed dial is retried.
func WithDialAttempts(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithTimeouts overrides the dial and per-request I/O timeouts.
func WithTimeouts(dial, io time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = dial
		c.ioTimeout = io
	}
}

// New creates a Client.
func New(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		dialTimeout: defaultDialTimeout,
		ioTimeout:   defaultIOTimeout,
		attempts:    2,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Roundtrip sends req to addr and returns the decoded response.
func (c *Client) Roundtrip(ctx context.Context, addr string, req wire.Request) (wire.Response, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := wire.WriteMessage(conn, req); err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", req.MessageType(), addr, err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("read %s reply from %s: %w", req.MessageType(), addr, err)
	}
	return resp, nil
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	var conn net.Conn
	err := retry.Do(func() error {
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("Dial retry", zap.String("addr", addr), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// List implements coordinator.NodeClient.
func (c *Client) List(ctx context.Context, node registry.NodeRecord) ([]string, error) {
	resp, err := c.Roundtrip(ctx, node.ID(), wire.ListRequest{})
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case wire.ListResponse:
		return r.Filenames, nil
	case wire.MessageResponse:
		return nil, &RemoteError{Message: r.Message}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.MessageType())
	}
}

// Info implements coordinator.NodeClient.
func (c *Client) Info(ctx context.Context, node registry.NodeRecord, filename string) (int64, error) {
	resp, err := c.Roundtrip(ctx, node.ID(), wire.InfoRequest{Filename: filename})
	if err != nil {
		return 0, err
	}
	switch r := resp.(type) {
	case wire.InfoResponse:
		return r.Size, nil
	case wire.MessageResponse:
		return 0, &RemoteError{Message: r.Message}
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.MessageType())
	}
}

// Version implements coordinator.NodeClient.
func (c *Client) Version(ctx context.Context, node registry.NodeRecord, filename string) (int, error) {
	resp, err := c.Roundtrip(ctx, node.ID(), wire.VersionRequest{Filename: filename})
	if err != nil {
		return 0, err
	}
	switch r := resp.(type) {
	case wire.VersionResponse:
		return r.Version, nil
	case wire.MessageResponse:
		return 0, &RemoteError{Message: r.Message}
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.MessageType())
	}
}

// Upload implements coordinator.NodeClient. Any reply other than wire.UploadOK is a rejection.
func (c *Client) Upload(ctx context.Context, node registry.NodeRecord, filename string, version int, content []byte) error {
	resp, err := c.Roundtrip(ctx, node.ID(), wire.UploadRequest{Filename: filename, Version: version, Content: content})
	if err != nil {
		return err
	}
	if m, ok := resp.(wire.MessageResponse); ok && m.Message == wire.UploadOK {
		return nil
	}
	if m, ok := resp.(wire.MessageResponse); ok {
		return &RemoteError{Message: m.Message}
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.MessageType())
}

// Download presents t to the node it names and returns the file content.
func (c *Client) Download(ctx context.Context, t wire.Ticket) ([]byte, error) {
	addr := registry.NodeID(t.Address, t.Port)
	resp, err := c.Roundtrip(ctx, addr, wire.DownloadFileRequest{Ticket: t})
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case wire.DownloadFileResponse:
		return r.Content, nil
	case wire.MessageResponse:
		return nil, &RemoteError{Message: r.Message}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.MessageType())
	}
}
