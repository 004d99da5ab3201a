package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const heartbeatPrefix = "!alive"

// ErrBadHeartbeat is returned for datagrams that are not heartbeats.
var ErrBadHeartbeat = errors.New("malformed heartbeat")

// FormatHeartbeat builds the datagram a file server sends to announce its TCP port.
func FormatHeartbeat(tcpPort int) []byte {
	return []byte(fmt.Sprintf("%s %d", heartbeatPrefix, tcpPort))
}

// ParseHeartbeat extracts the announced TCP port.
func ParseHeartbeat(payload []byte) (int, error) {
	fields := strings.Fields(string(payload))
	if len(fields) != 2 || fields[0] != heartbeatPrefix {
		return 0, fmt.Errorf("%w: %q", ErrBadHeartbeat, payload)
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: bad port %q", ErrBadHeartbeat, fields[1])
	}
	return port, nil
}

// HeartbeatSender periodically announces a TCP port to the proxy's UDP port.
type HeartbeatSender struct {
	target  string
	tcpPort int
	period  time.Duration
	logger  *zap.Logger
}

// NewHeartbeatSender creates a sender for target (host:port).
func NewHeartbeatSender(target string, tcpPort int, period time.Duration, logger *zap.Logger) *HeartbeatSender {
	return &HeartbeatSender{target: target, tcpPort: tcpPort, period: period, logger: logger}
}

// Run sends one heartbeat immediately and then one per period until ctx is done.
// Send failures are logged and retried on the next tick.
func (h *HeartbeatSender) Run(ctx context.Context) error {
	conn, err := net.Dial("udp", h.target)
	if err != nil {
		return fmt.Errorf("heartbeat dial %s: %w", h.target, err)
	}
	defer conn.Close()

	msg := FormatHeartbeat(h.tcpPort)
	send := func() {
		if _, err := conn.Write(msg); err != nil {
			h.logger.Debug("Heartbeat send failed", zap.String("target", h.target), zap.Error(err))
		}
	}

	h.logger.Info("Sending heartbeats",
		zap.String("target", h.target),
		zap.Int("tcpPort", h.tcpPort),
		zap.Duration("period", h.period),
	)
	send()
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			send()
		}
	}
}
