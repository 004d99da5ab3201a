package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

const maxDatagram = 512

// PacketHandler is called for every received datagram. payload is only valid
// for the duration of the call.
type PacketHandler func(from *net.UDPAddr, payload []byte)

// UDPListener receives datagrams on one socket and passes them to a handler
// on the receiving goroutine.
type UDPListener struct {
	conn    *net.UDPConn
	handler PacketHandler
	logger  *zap.Logger
	closed  atomic.Bool
}

// ListenUDP binds addr.
func ListenUDP(addr string, handler PacketHandler, logger *zap.Logger) (*UDPListener, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	logger.Info("UDP listening", zap.String("addr", conn.LocalAddr().String()))
	return &UDPListener{conn: conn, handler: handler, logger: logger}, nil
}

// Addr returns the bound address.
func (l *UDPListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Serve receives until Close is called.
func (l *UDPListener) Serve(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("UDP receive failed", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		l.handler(from, buf[:n])
	}
}

// Close unblocks Serve.
func (l *UDPListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.conn.Close()
}
