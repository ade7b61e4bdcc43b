package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/xdmcpd/internal/config"
	xdmcpmetrics "github.com/dantte-lp/xdmcpd/internal/metrics"
	"github.com/dantte-lp/xdmcpd/internal/netio"
	"github.com/dantte-lp/xdmcpd/internal/xdmcp"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the xdmcpd daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configFile)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(cfg.Log)
	logger.Info("xdmcpd starting",
		slog.Int("port", int(cfg.XDMCP.Port)),
		slog.String("bind_addr", cfg.XDMCP.BindAddr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := xdmcpmetrics.NewCollector(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sock, mgr, err := wireManager(ctx, cfg, collector, logger)
	if err != nil {
		return fmt.Errorf("wire xdmcp manager: %w", err)
	}
	defer func() {
		if closeErr := sock.Close(); closeErr != nil {
			logger.Warn("failed to close xdmcp socket", slog.Any("error", closeErr))
		}
	}()

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return recvLoop(gCtx, sock, mgr, logger)
	})

	g.Go(func() error {
		return retransmitLoop(gCtx, mgr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run xdmcpd: %w", err)
	}

	logger.Info("xdmcpd stopped")
	return nil
}

// wireManager opens the XDMCP UDP socket and constructs the Manager with
// the default in-process collaborators (§9 open questions resolved toward
// the standalone defaults; operators needing a real ACL/resolver/session
// supervisor embed this package rather than run xdmcpd as-is).
func wireManager(
	ctx context.Context,
	cfg *config.Config,
	collector *xdmcpmetrics.Collector,
	logger *slog.Logger,
) (*netio.Socket, *xdmcp.Manager, error) {
	bindAddr, err := netip.ParseAddr(cfg.XDMCP.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse bind_addr %q: %w", cfg.XDMCP.BindAddr, err)
	}

	sock, err := netio.NewSocket(ctx, netio.SocketConfig{
		Addr:          bindAddr,
		Port:          cfg.XDMCP.Port,
		Multicast:     cfg.XDMCP.UseMulticast,
		MulticastAddr: cfg.XDMCP.MulticastAddr,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open xdmcp socket: %w", err)
	}

	identity, err := xdmcp.NewServerIdentityFromHost()
	if err != nil {
		_ = sock.Close()
		return nil, nil, fmt.Errorf("build server identity: %w", err)
	}

	locals, err := xdmcp.NewLocalAddrSet()
	if err != nil {
		_ = sock.Close()
		return nil, nil, fmt.Errorf("enumerate local addresses: %w", err)
	}

	mgr := xdmcp.NewManager(xdmcp.ManagerConfig{
		Identity:      identity,
		Locals:        locals,
		ACL:           xdmcp.PermissiveACL{},
		Resolver:      xdmcp.NewNetResolver(),
		Cookies:       xdmcp.RandomCookieGenerator{},
		Supervisor:    sessionSupervisor(logger),
		Chooser:       xdmcp.NewInMemoryChooser(),
		Sender:        sock,
		Metrics:       collector,
		Logger:        logger,
		HonorIndirect: cfg.XDMCP.HonorIndirect,
		MaxWait:       cfg.XDMCP.MaxWait,
		Admission: xdmcp.AdmissionConfig{
			MaxDisplays:        cfg.XDMCP.MaxDisplays,
			MaxDisplaysPerHost: cfg.XDMCP.MaxDisplaysPerHost,
			MaxPendingDisplays: cfg.XDMCP.MaxPendingDisplays,
			WillingScript:      cfg.XDMCP.WillingScript,
		},
		ProxyMode: cfg.XDMCP.ProxyMode,
	})

	logger.Info("xdmcp socket bound", slog.String("local", sock.LocalAddr().String()))

	return sock, mgr, nil
}

// sessionSupervisor builds the standalone LoggingSupervisor, logging every
// manage/unmanage/dispose transition since xdmcpd does not itself launch an
// X server or greeter (§1, §6.4 — out of scope for this core).
func sessionSupervisor(logger *slog.Logger) xdmcp.LoggingSupervisor {
	return xdmcp.LoggingSupervisor{
		OnManage: func(d *xdmcp.Display) {
			logger.Info("display managed",
				slog.Uint64("session_id", uint64(d.SessionID)),
				slog.String("remote", d.RemoteAddr.String()),
				slog.Int("display_number", int(d.DisplayNumber)),
			)
		},
		OnUnmanage: func(d *xdmcp.Display) {
			logger.Info("display unmanaged",
				slog.Uint64("session_id", uint64(d.SessionID)),
				slog.String("remote", d.RemoteAddr.String()),
			)
		},
		OnDispose: func(d *xdmcp.Display) {
			logger.Debug("display disposed",
				slog.Uint64("session_id", uint64(d.SessionID)),
				slog.String("remote", d.RemoteAddr.String()),
			)
		},
	}
}

// recvLoop is the single-threaded XDMCP event loop (§5): every inbound
// datagram is handed to the Manager synchronously, one at a time, on this
// one goroutine — the Manager and its tables are not safe for concurrent
// use from elsewhere.
func recvLoop(ctx context.Context, sock *netio.Socket, mgr *xdmcp.Manager, logger *slog.Logger) error {
	for {
		peer, data, err := sock.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("socket recv failed", slog.Any("error", err))
			continue
		}

		mgr.HandleDatagram(ctx, peer, data)
	}
}

// retransmitLoop drives the Managed-Forward retransmit timer on a ticker no
// finer than xdmcp.ManagedForwardInterval, the event loop's second
// suspension point (§5 (c)).
func retransmitLoop(ctx context.Context, mgr *xdmcp.Manager) error {
	ticker := time.NewTicker(xdmcp.ManagedForwardInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mgr.PollRetransmits()
		}
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify readiness
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.Any("error", err))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.Any("error", err))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// -------------------------------------------------------------------------
// HTTP + Shutdown
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
