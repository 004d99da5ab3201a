// Package registry tracks the file servers known to the proxy: where they
// listen, how much they have served and whether their heartbeats are fresh.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownNode is returned when an operation names a node that never sent a heartbeat.
var ErrUnknownNode = errors.New("unknown node")

// NodeRecord is the proxy's view of one file server.
type NodeRecord struct {
	Address string        `json:"address"`
	Port    int           `json:"port"`
	Usage   int64         `json:"usage"`
	Online  bool          `json:"online"`
	Elapsed time.Duration `json:"elapsed"`
}

// ID returns the host:port the node is identified and dialled by.
func (n NodeRecord) ID() string {
	return NodeID(n.Address, n.Port)
}

// NodeID builds a node identity from a heartbeat source address and the
// announced TCP port.
func NodeID(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// Registry holds every node seen since start-up. Nodes are never removed;
// a node whose heartbeats stop is flipped offline and keeps its usage.
//
// A Registry is not safe for concurrent use. The proxy serialises all access
// behind its dispatch lock.
type Registry struct {
	timeout time.Duration
	order   []string // insertion order, used for tie breaking
	nodes   map[string]*NodeRecord
	logger  *zap.Logger
}

// New creates an empty Registry that considers a node offline once
// timeout has elapsed since its last heartbeat.
func New(timeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		timeout: timeout,
		nodes:   make(map[string]*NodeRecord),
		logger:  logger,
	}
}

// Timeout returns the configured heartbeat timeout.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// ReportHeartbeat records a heartbeat from address announcing port.
// Unknown nodes are created with zero usage. Returns true if the node was new.
func (r *Registry) ReportHeartbeat(address string, port int) bool {
	id := NodeID(address, port)
	n, ok := r.nodes[id]
	if !ok {
		r.nodes[id] = &NodeRecord{Address: address, Port: port, Online: true}
		r.order = append(r.order, id)
		r.logger.Info("File server registered", zap.String("node", id))
		return true
	}
	if !n.Online {
		r.logger.Info("File server back online", zap.String("node", id))
	}
	n.Online = true
	n.Elapsed = 0
	return false
}

// AdvanceClock ages every record by delta and flips records whose elapsed
// time reached the timeout offline. Returns the ids that went offline in this call.
func (r *Registry) AdvanceClock(delta time.Duration) []string {
	var flipped []string
	for _, id := range r.order {
		n := r.nodes[id]
		n.Elapsed += delta
		if n.Online && n.Elapsed >= r.timeout {
			n.Online = false
			flipped = append(flipped, id)
			r.logger.Info("File server went offline",
				zap.String("node", id),
				zap.Duration("elapsed", n.Elapsed),
			)
		}
	}
	return flipped
}

// ListOnlineNodes returns a snapshot of online nodes in registration order.
func (r *Registry) ListOnlineNodes() []NodeRecord {
	out := make([]NodeRecord, 0, len(r.order))
	for _, id := range r.order {
		if n := r.nodes[id]; n.Online {
			out = append(out, *n)
		}
	}
	return out
}

// Nodes returns a snapshot of every known node, online or not.
func (r *Registry) Nodes() []NodeRecord {
	out := make([]NodeRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.nodes[id])
	}
	return out
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id string) (NodeRecord, bool) {
	n, ok := r.nodes[id]
	if !ok {
		return NodeRecord{}, false
	}
	return *n, true
}

// RecordUsage adds bytes to the usage counter of node id.
func (r *Registry) RecordUsage(id string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("record usage %s: negative amount %d", id, bytes)
	}
	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("record usage: %w: %s", ErrUnknownNode, id)
	}
	n.Usage += bytes
	return nil
}
