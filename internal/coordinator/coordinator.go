// Package coordinator routes file operations across the online file servers:
// it aggregates catalogs, picks the least used holder of a file for a
// download ticket, and broadcasts uploads to every node.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sp1r1t/ds13/internal/ledger"
	"github.com/sp1r1t/ds13/internal/registry"
	"github.com/sp1r1t/ds13/internal/ticket"
	"github.com/sp1r1t/ds13/internal/wire"
)

var (
	ErrNotFound            = errors.New("no such file was found on the fileservers")
	ErrInsufficientCredits = errors.New("not enough credits available")
	ErrUploadFailed        = errors.New("upload failed")
	ErrNoNodesAvailable    = errors.New("no file servers available")
	ErrNodeUnavailable     = errors.New("request failed")
)

// maxFanOut bounds concurrent requests to file servers for one operation.
const maxFanOut = 16

// NodeClient issues single requests to a file server.
type NodeClient interface {
	List(ctx context.Context, node registry.NodeRecord) ([]string, error)
	Info(ctx context.Context, node registry.NodeRecord, filename string) (int64, error)
	Version(ctx context.Context, node registry.NodeRecord, filename string) (int, error)
	// Upload returns an error unless the node acknowledged the write.
	Upload(ctx context.Context, node registry.NodeRecord, filename string, version int, content []byte) error
}

// Coordinator implements the proxy's file operations. Like the registry and
// ledger it mutates, it must only be used under the proxy's dispatch lock.
type Coordinator struct {
	registry  *registry.Registry
	ledger    *ledger.Ledger
	authority *ticket.Authority
	nodes     NodeClient
	logger    *zap.Logger
}

// New creates a Coordinator.
func New(reg *registry.Registry, l *ledger.Ledger, a *ticket.Authority, nodes NodeClient, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		registry:  reg,
		ledger:    l,
		authority: a,
		nodes:     nodes,
		logger:    logger,
	}
}

// catalogEntry is one online node and the files it reported.
type catalogEntry struct {
	node  registry.NodeRecord
	files map[string]struct{}
}

// catalog queries every online node for its file list. A node that fails to
// answer contributes an empty set and keeps its online flag.
func (c *Coordinator) catalog(ctx context.Context) []catalogEntry {
	online := c.registry.ListOnlineNodes()
	entries := make([]catalogEntry, len(online))

	var g errgroup.Group
	g.SetLimit(maxFanOut)
	for i, n := range online {
		i, n := i, n
		entries[i] = catalogEntry{node: n, files: map[string]struct{}{}}
		g.Go(func() error {
			names, err := c.nodes.List(ctx, n)
			if err != nil {
				c.logger.Warn("list failed, treating node as empty",
					zap.String("node", n.ID()),
					zap.Error(err),
				)
				return nil
			}
			for _, name := range names {
				entries[i].files[name] = struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	return entries
}

// ListAllFiles returns the sorted union of the files held by online nodes.
func (c *Coordinator) ListAllFiles(ctx context.Context) []string {
	seen := map[string]struct{}{}
	for _, e := range c.catalog(ctx) {
		for name := range e.files {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IssueDownloadTicket picks the least used online holder of filename, charges
// username the file size and returns a ticket for that node.
func (c *Coordinator) IssueDownloadTicket(ctx context.Context, filename, username string) (wire.Ticket, error) {
	var chosen *registry.NodeRecord
	for _, e := range c.catalog(ctx) {
		if _, ok := e.files[filename]; !ok {
			continue
		}
		if chosen == nil || e.node.Usage < chosen.Usage {
			n := e.node
			chosen = &n
		}
	}
	if chosen == nil {
		return wire.Ticket{}, ErrNotFound
	}

	size, err := c.nodes.Info(ctx, *chosen, filename)
	if err != nil {
		return wire.Ticket{}, fmt.Errorf("%w: info %s on %s: %v", ErrNodeUnavailable, filename, chosen.ID(), err)
	}
	version, err := c.nodes.Version(ctx, *chosen, filename)
	if err != nil {
		return wire.Ticket{}, fmt.Errorf("%w: version %s on %s: %v", ErrNodeUnavailable, filename, chosen.ID(), err)
	}

	credits, err := c.ledger.Credits(username)
	if err != nil {
		return wire.Ticket{}, err
	}
	if credits < size {
		return wire.Ticket{}, ErrInsufficientCredits
	}

	nonce := uuid.NewString()
	tag := c.authority.ComputeTicketTag(nonce, username, filename, version, size)

	if _, err := c.ledger.Debit(username, size); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return wire.Ticket{}, ErrInsufficientCredits
		}
		return wire.Ticket{}, err
	}
	if err := c.registry.RecordUsage(chosen.ID(), size); err != nil {
		return wire.Ticket{}, err
	}

	c.logger.Info("Download ticket issued",
		zap.String("user", username),
		zap.String("file", filename),
		zap.Int("version", version),
		zap.Int64("size", size),
		zap.String("node", chosen.ID()),
	)

	return wire.Ticket{
		Username: username,
		Filename: filename,
		Version:  version,
		Nonce:    nonce,
		Tag:      tag,
		Address:  chosen.Address,
		Port:     chosen.Port,
	}, nil
}

// BroadcastUpload writes content to every online node and credits username
// twice the stored size. Nodes that accepted the write are not rolled back
// when another node rejects it. Returns the user's new balance.
func (c *Coordinator) BroadcastUpload(ctx context.Context, filename string, version int, content []byte, username string) (int64, error) {
	online := c.registry.ListOnlineNodes()
	if len(online) == 0 {
		return 0, ErrNoNodesAvailable
	}

	errs := make([]error, len(online))
	var g errgroup.Group
	g.SetLimit(maxFanOut)
	for i, n := range online {
		i, n := i, n
		g.Go(func() error {
			errs[i] = c.nodes.Upload(ctx, n, filename, version, content)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			c.logger.Warn("upload rejected",
				zap.String("node", online[i].ID()),
				zap.String("file", filename),
				zap.Error(err),
			)
			return 0, fmt.Errorf("%w: %s: %v", ErrUploadFailed, online[i].ID(), err)
		}
	}

	size, err := c.nodes.Info(ctx, online[0], filename)
	if err != nil {
		return 0, fmt.Errorf("%w: info %s on %s: %v", ErrUploadFailed, filename, online[0].ID(), err)
	}

	credits, err := c.ledger.Credit(username, 2*size)
	if err != nil {
		return 0, err
	}

	c.logger.Info("Upload broadcast",
		zap.String("user", username),
		zap.String("file", filename),
		zap.Int64("size", size),
		zap.Int("nodes", len(online)),
	)
	return credits, nil
}
