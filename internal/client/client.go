// Package client is the user side of the system: one long-lived session with
// the proxy, plus direct downloads from the file server a ticket names.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/nodeclient"
	"github.com/sp1r1t/ds13/internal/storage/local"
	"github.com/sp1r1t/ds13/internal/wire"
)

const proxyIOTimeout = 60 * time.Second

var (
	// ErrInvalidFilename is returned for names that would escape the download directory.
	ErrInvalidFilename = errors.New("invalid filename")
	ErrFileTooLarge    = errors.New("file too large to upload")
)

// MaxUploadSize is the largest file that fits one frame once base64 encoded,
// leaving room for the envelope.
const MaxUploadSize = (wire.MaxFrameSize - 4<<10) / 4 * 3

// Client holds the proxy connection. The proxy binds the login to this
// connection, so a dropped connection means logging in again.
type Client struct {
	proxyAddr   string
	downloadDir string
	attempts    uint
	nodes       *nodeclient.Client
	logger      *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

// Option configures a Client.
type Option func(*Client)

// WithDialAttempts sets how often dialing the proxy is tried.
func WithDialAttempts(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// New creates a Client for the proxy at proxyAddr. Downloads land in and
// uploads are read from downloadDir.
func New(proxyAddr, downloadDir string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		proxyAddr:   proxyAddr,
		downloadDir: downloadDir,
		attempts:    3,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.nodes = nodeclient.New(logger, nodeclient.WithDialAttempts(c.attempts))
	return c
}

// Close drops the proxy connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Send writes req to the proxy and returns its reply. A request that cannot
// be encoded is refused before anything is written. On a transport error the
// connection is dropped and the next call dials again.
func (c *Client) Send(ctx context.Context, req wire.Request) (wire.Response, error) {
	payload, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}
	frame, err := wire.EncodeFrame(payload)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.MessageType(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	deadline := time.Now().Add(proxyIOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.drop()
		return nil, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.drop()
		return nil, fmt.Errorf("send %s: %w", req.MessageType(), err)
	}
	resp, err := wire.ReadResponse(c.conn)
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("read %s reply: %w", req.MessageType(), err)
	}
	return resp, nil
}

func (c *Client) drop() {
	c.conn.Close()
	c.conn = nil
	c.logger.Warn("Proxy connection lost", zap.String("proxy", c.proxyAddr))
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	var conn net.Conn
	err := retry.Do(func() error {
		var err error
		conn, err = d.DialContext(ctx, "tcp", c.proxyAddr)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy %s: %w", c.proxyAddr, err)
	}
	c.logger.Debug("Connected to proxy", zap.String("proxy", c.proxyAddr))
	return conn, nil
}

// Login authenticates this connection and returns the proxy's answer.
func (c *Client) Login(ctx context.Context, username, password string) (wire.LoginResponse, error) {
	resp, err := c.Send(ctx, wire.LoginRequest{Username: username, Password: password})
	if err != nil {
		return wire.LoginResponse{}, err
	}
	switch r := resp.(type) {
	case wire.LoginResponse:
		return r, nil
	case wire.MessageResponse:
		return wire.LoginResponse{}, &nodeclient.RemoteError{Message: r.Message}
	default:
		return wire.LoginResponse{}, unexpected(resp)
	}
}

// Credits returns the balance of the logged in user.
func (c *Client) Credits(ctx context.Context) (wire.CreditsResponse, error) {
	return c.credits(ctx, wire.CreditsRequest{})
}

// Buy adds amount credits.
func (c *Client) Buy(ctx context.Context, amount int64) (wire.CreditsResponse, error) {
	return c.credits(ctx, wire.BuyRequest{Amount: amount})
}

func (c *Client) credits(ctx context.Context, req wire.Request) (wire.CreditsResponse, error) {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return wire.CreditsResponse{}, err
	}
	switch r := resp.(type) {
	case wire.CreditsResponse:
		return r, nil
	case wire.MessageResponse:
		return wire.CreditsResponse{}, &nodeclient.RemoteError{Message: r.Message}
	default:
		return wire.CreditsResponse{}, unexpected(resp)
	}
}

// List returns the files available across the online file servers.
func (c *Client) List(ctx context.Context) ([]string, error) {
	resp, err := c.Send(ctx, wire.ListRequest{})
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case wire.ListResponse:
		return r.Filenames, nil
	case wire.MessageResponse:
		return nil, &nodeclient.RemoteError{Message: r.Message}
	default:
		return nil, unexpected(resp)
	}
}

// Download buys a ticket for filename, fetches the file from the node the
// ticket names and stores it in the download directory. Returns the path written.
func (c *Client) Download(ctx context.Context, filename string) (string, error) {
	if !local.ValidName(filename) {
		return "", ErrInvalidFilename
	}
	resp, err := c.Send(ctx, wire.DownloadTicketRequest{Filename: filename})
	if err != nil {
		return "", err
	}
	var t wire.Ticket
	switch r := resp.(type) {
	case wire.DownloadTicketResponse:
		t = r.Ticket
	case wire.MessageResponse:
		return "", &nodeclient.RemoteError{Message: r.Message}
	default:
		return "", unexpected(resp)
	}

	content, err := c.nodes.Download(ctx, t)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.downloadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(c.downloadDir, filename)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	c.logger.Info("Downloaded",
		zap.String("file", filename),
		zap.Int("size", len(content)),
		zap.String("address", t.Address),
		zap.Int("port", t.Port),
	)
	return path, nil
}

// Upload sends filename from the download directory to the proxy, which
// replicates it to every online file server. Returns the proxy's message.
func (c *Client) Upload(ctx context.Context, filename string) (string, error) {
	if !local.ValidName(filename) {
		return "", ErrInvalidFilename
	}
	path := filepath.Join(c.downloadDir, filename)
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > MaxUploadSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, filename, info.Size(), MaxUploadSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return c.message(ctx, wire.UploadRequest{Filename: filename, Version: 0, Content: content})
}

// Logout ends the session on the proxy but keeps the connection.
func (c *Client) Logout(ctx context.Context) (string, error) {
	return c.message(ctx, wire.LogoutRequest{})
}

func (c *Client) message(ctx context.Context, req wire.Request) (string, error) {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return "", err
	}
	if m, ok := resp.(wire.MessageResponse); ok {
		return m.Message, nil
	}
	return "", unexpected(resp)
}

func unexpected(resp wire.Response) error {
	return fmt.Errorf("%w: %s", nodeclient.ErrUnexpectedResponse, resp.MessageType())
}
