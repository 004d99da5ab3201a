// Package node wires the components of a ds13 process and runs them until shutdown.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sp1r1t/ds13/internal/api/grpc/servers"
	"github.com/sp1r1t/ds13/internal/api/rest"
	"github.com/sp1r1t/ds13/internal/cli"
	"github.com/sp1r1t/ds13/internal/client"
	"github.com/sp1r1t/ds13/internal/config"
	"github.com/sp1r1t/ds13/internal/coordinator"
	"github.com/sp1r1t/ds13/internal/fileserver"
	"github.com/sp1r1t/ds13/internal/ledger"
	"github.com/sp1r1t/ds13/internal/nodeclient"
	"github.com/sp1r1t/ds13/internal/output"
	"github.com/sp1r1t/ds13/internal/proxy"
	"github.com/sp1r1t/ds13/internal/registry"
	"github.com/sp1r1t/ds13/internal/storage/local"
	"github.com/sp1r1t/ds13/internal/ticket"
	"github.com/sp1r1t/ds13/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// ErrNoConsole is returned when the client role is started without a console.
var ErrNoConsole = errors.New("client role needs a console")

// Option configures a Controller.
type Option func(*Controller)

// WithConsole attaches an interactive shell reading from in and writing to out.
// Without a console the proxy and file server run headless.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(c *Controller) {
		c.in = in
		c.out = out
	}
}

// WithLedgerOptions passes options to the proxy's ledger.
func WithLedgerOptions(opts ...ledger.Option) Option {
	return func(c *Controller) {
		c.ledgerOpts = append(c.ledgerOpts, opts...)
	}
}

// Controller bootstraps one role, wires its components and runs until shutdown.
type Controller struct {
	cfg    *config.Config
	role   ComponentType
	logger *zap.Logger

	in         io.Reader
	out        io.Writer
	ledgerOpts []ledger.Option
}

// NewController creates a Controller for the given role.
func NewController(cfg *config.Config, role ComponentType, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		role:   role,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts the role and blocks until SIGINT/SIGTERM, ctx cancellation, a
// failed server or the shell exiting. Everything started is stopped before
// Run returns.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Starting ds13", zap.String("role", c.role.String()))

	switch c.role {
	case RoleProxy:
		return c.runProxy(ctx)
	case RoleFileServer:
		return c.runFileServer(ctx)
	case RoleClient:
		return c.runClient(ctx)
	default:
		return fmt.Errorf("unknown role: %s", c.role)
	}
}

func (c *Controller) runProxy(ctx context.Context) error {
	pc := c.cfg.Proxy

	// --- 1. Accounts and tickets ---
	l := ledger.New(c.logger, c.ledgerOpts...)
	for _, u := range c.cfg.Users {
		if err := l.AddUser(u.Name, u.Password, u.Credits); err != nil {
			return fmt.Errorf("add user %s: %w", u.Name, err)
		}
	}
	authority, err := c.authority()
	if err != nil {
		return err
	}

	// --- 2. Broker ---
	reg := registry.New(pc.Timeout, c.logger)
	coord := coordinator.New(reg, l, authority, nodeclient.New(c.logger), c.logger)
	broker := proxy.NewBroker(reg, l, coord, c.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	var st stack
	defer st.unwind()

	// --- 3. Client and heartbeat listeners ---
	tcp := transport.NewTCPServer("proxy", broker, c.logger,
		transport.WithMaxConnections(pc.MaxConnections),
		transport.WithShutdownTimeout(shutdownTimeout),
	)
	if err := tcp.Listen(fmt.Sprintf(":%d", pc.TCPPort)); err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	st.push(func() { tcp.Close() })
	g.Go(func() error { return tcp.Serve(gctx) })

	udp, err := transport.ListenUDP(fmt.Sprintf(":%d", pc.UDPPort), broker.HandleHeartbeat, c.logger)
	if err != nil {
		return fmt.Errorf("heartbeat listen: %w", err)
	}
	st.push(func() { udp.Close() })
	g.Go(func() error { return udp.Serve(gctx) })

	// --- 4. Liveness ---
	g.Go(func() error {
		ticker := time.NewTicker(pc.CheckPeriod)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				broker.Tick(now.Sub(last))
				last = now
			}
		}
	})

	// --- 5. Admin surfaces ---
	if pc.AdminAddr != "" {
		lis, err := net.Listen("tcp", pc.AdminAddr)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		admin := rest.New(broker, c.logger)
		st.push(func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			admin.Shutdown(sctx)
		})
		g.Go(func() error { return admin.Serve(lis) })
	}
	health, err := c.startHealth(pc.HealthAddr, servers.ServiceProxy, &st)
	if err != nil {
		return err
	}

	shellDone := c.startShell(gctx, "proxy", cli.ProxyCommands(broker, output.TableFormatter{}))
	if health != nil {
		health.SetServing(true)
	}
	c.logger.Info("Proxy running",
		zap.Int("tcpPort", pc.TCPPort),
		zap.Int("udpPort", pc.UDPPort),
		zap.String("admin", pc.AdminAddr),
	)

	c.wait(gctx, shellDone)
	cancel()
	st.unwind()
	return g.Wait()
}

func (c *Controller) runFileServer(ctx context.Context) error {
	fc := c.cfg.FileServer

	// --- 1. Storage ---
	store := local.NewPebbleStorage(fc.Dir, fc.IndexDir, c.logger)
	if err := store.Init(); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	var st stack
	defer st.unwind()
	st.push(func() { store.Close() })

	authority, err := c.authority()
	if err != nil {
		return err
	}
	var fsOpts []fileserver.Option
	if fc.AdvertiseHost != "" {
		fsOpts = append(fsOpts, fileserver.WithAdvertisedHost(fc.AdvertiseHost))
	}
	srv := fileserver.New(store, authority, fc.TCPPort, fc.TicketTTL, c.logger, fsOpts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// --- 2. Request listener ---
	tcp := transport.NewTCPServer("fileserver", srv, c.logger,
		transport.WithMaxConnections(fc.MaxConnections),
		transport.WithShutdownTimeout(shutdownTimeout),
	)
	if err := tcp.Listen(fmt.Sprintf(":%d", fc.TCPPort)); err != nil {
		return fmt.Errorf("fileserver listen: %w", err)
	}
	st.push(func() { tcp.Close() })
	g.Go(func() error { return tcp.Serve(gctx) })

	// --- 3. Heartbeats ---
	target := net.JoinHostPort(fc.ProxyHost, strconv.Itoa(fc.ProxyUDPPort))
	hb := transport.NewHeartbeatSender(target, fc.TCPPort, fc.Alive, c.logger)
	g.Go(func() error { return hb.Run(gctx) })

	health, err := c.startHealth(fc.HealthAddr, servers.ServiceFileServer, &st)
	if err != nil {
		return err
	}

	shellDone := c.startShell(gctx, "fileserver", nil)
	if health != nil {
		health.SetServing(true)
	}
	c.logger.Info("File server running",
		zap.Int("tcpPort", fc.TCPPort),
		zap.String("dir", fc.Dir),
		zap.String("proxy", target),
	)

	c.wait(gctx, shellDone)
	cancel()
	st.unwind()
	return g.Wait()
}

func (c *Controller) runClient(ctx context.Context) error {
	if c.in == nil {
		return ErrNoConsole
	}
	cc := c.cfg.Client

	proxyAddr := net.JoinHostPort(cc.ProxyHost, strconv.Itoa(cc.ProxyTCPPort))
	cl := client.New(proxyAddr, cc.DownloadDir, c.logger, client.WithDialAttempts(cc.DialAttempts))
	defer cl.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	shellDone := c.startShell(ctx, "client", cli.ClientCommands(cl, output.NewFormatter(cc.Output)))
	c.logger.Info("Client running", zap.String("proxy", proxyAddr), zap.String("downloadDir", cc.DownloadDir))

	c.wait(ctx, shellDone)
	return nil
}

func (c *Controller) authority() (*ticket.Authority, error) {
	if c.cfg.UsesDefaultSecret() {
		c.logger.Warn("Using the development ticket secret, set ticket.secret for shared deployments")
	}
	a, err := ticket.NewAuthority(c.cfg.Ticket.Secret)
	if err != nil {
		return nil, fmt.Errorf("ticket authority: %w", err)
	}
	return a, nil
}

// startHealth serves the gRPC health protocol on addr. An empty addr disables it.
func (c *Controller) startHealth(addr, service string, st *stack) (*servers.HealthServer, error) {
	if addr == "" {
		return nil, nil
	}
	hs := servers.NewHealthServer(service, c.logger)
	grpcSrv, err := hs.Serve(addr)
	if err != nil {
		return nil, fmt.Errorf("health gRPC serve: %w", err)
	}
	st.push(grpcSrv.Stop)
	st.push(hs.Shutdown)
	return hs, nil
}

// startShell runs an interactive shell when a console is attached. The
// returned channel receives the shell's result; it is nil without a console.
func (c *Controller) startShell(ctx context.Context, name string, cmds []cli.Command) <-chan error {
	if c.in == nil {
		return nil
	}
	sh := cli.New(name, c.in, c.out, c.logger)
	sh.Register(cmds...)
	done := make(chan error, 1)
	go func() { done <- sh.Run(ctx) }()
	return done
}

func (c *Controller) wait(ctx context.Context, shellDone <-chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		c.logger.Info("Shutdown signal received")
	case <-ctx.Done():
		c.logger.Info("Context cancelled")
	case err := <-shellDone:
		if err != nil {
			c.logger.Warn("Shell failed", zap.Error(err))
		}
		c.logger.Info("Shell closed")
	}
}

// stack runs cleanup functions in reverse order of registration.
type stack []func()

func (s *stack) push(f func()) { *s = append(*s, f) }

func (s *stack) unwind() {
	for i := len(*s) - 1; i >= 0; i-- {
		(*s)[i]()
	}
	*s = nil
}
