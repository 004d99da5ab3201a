package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/coordinator"
	"github.com/sp1r1t/ds13/internal/ledger"
	"github.com/sp1r1t/ds13/internal/registry"
	"github.com/sp1r1t/ds13/internal/transport"
	"github.com/sp1r1t/ds13/internal/wire"
)

// Broker owns the node registry, the session ledger and the coordinator.
// Every entry point takes the same lock for its full duration, so requests,
// heartbeats and liveness ticks form a single order.
type Broker struct {
	mu         sync.Mutex
	registry   *registry.Registry
	ledger     *ledger.Ledger
	coord      *coordinator.Coordinator
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewBroker wires the broker state together.
func NewBroker(reg *registry.Registry, l *ledger.Ledger, coord *coordinator.Coordinator, logger *zap.Logger) *Broker {
	return &Broker{
		registry:   reg,
		ledger:     l,
		coord:      coord,
		dispatcher: NewDispatcher(l, coord, logger),
		logger:     logger,
	}
}

// Handle dispatches one request for session s.
func (b *Broker) Handle(ctx context.Context, s *Session, req wire.Request) wire.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatcher.Dispatch(ctx, s, req)
}

// EndSession releases the login held by s. Called when its connection closes.
func (b *Broker) EndSession(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatcher.Release(s)
}

// ServeConn implements transport.ConnHandler.
func (b *Broker) ServeConn(ctx context.Context, conn net.Conn) {
	s := NewSession()
	remote := conn.RemoteAddr().String()
	logger := b.logger.With(zap.String("session", s.ID()), zap.String("remote", remote))
	logger.Debug("Client connected")
	defer func() {
		b.EndSession(s)
		logger.Debug("Client disconnected")
	}()

	for {
		req, err := wire.ReadRequest(conn)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) {
				if werr := wire.WriteMessage(conn, message(MsgInvalidCommand)); werr != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("Read request failed", zap.Error(err))
			}
			return
		}

		resp := b.Handle(ctx, s, req)
		if err := wire.WriteMessage(conn, resp); err != nil {
			logger.Warn("Write response failed", zap.Error(err))
			return
		}
	}
}

// HandleHeartbeat implements transport.PacketHandler. Malformed datagrams are
// dropped.
func (b *Broker) HandleHeartbeat(from *net.UDPAddr, payload []byte) {
	port, err := transport.ParseHeartbeat(payload)
	if err != nil {
		b.logger.Debug("Dropping datagram", zap.String("from", from.String()), zap.Error(err))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry.ReportHeartbeat(from.IP.String(), port)
}

// Tick advances the registry clock by delta and returns the nodes that went
// offline.
func (b *Broker) Tick(delta time.Duration) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.AdvanceClock(delta)
}

// Nodes returns a snapshot of every known file server.
func (b *Broker) Nodes() []registry.NodeRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.Nodes()
}

// Users returns a snapshot of every account.
func (b *Broker) Users() []ledger.UserInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.Users()
}

// Files returns the aggregated file list of the online nodes.
func (b *Broker) Files(ctx context.Context) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coord.ListAllFiles(ctx)
}
