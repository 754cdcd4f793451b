// Package daemon wires the whole broker together: lock file, storage,
// registry, adapters, coordinator, launcher, HTTP server and the optional
// tunnel sidecar.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/adapter/acp"
	"github.com/beamcode/beamcode/internal/adapter/adk"
	"github.com/beamcode/beamcode/internal/adapter/circuit"
	"github.com/beamcode/beamcode/internal/adapter/claude"
	"github.com/beamcode/beamcode/internal/adapter/codex"
	"github.com/beamcode/beamcode/internal/adapter/gemini"
	"github.com/beamcode/beamcode/internal/adapter/opencode"
	"github.com/beamcode/beamcode/internal/adapter/openai"
	"github.com/beamcode/beamcode/internal/adapter/process"
	"github.com/beamcode/beamcode/internal/api"
	"github.com/beamcode/beamcode/internal/broker"
	"github.com/beamcode/beamcode/internal/config"
	"github.com/beamcode/beamcode/internal/domain"
	"github.com/beamcode/beamcode/internal/launcher"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/registry"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/internal/tunnel"
)

const (
	lockFileName = "beamcode.lock"
	pidFileName  = "beamcode.pid"

	// Fallback ACP agent binary; most deployments override it per session
	// via adapter connect options.
	defaultACPAgent = "acp-agent"
)

// Daemon is the fully wired broker process.
type Daemon struct {
	cfg     config.Config
	version string

	lock       *flock.Flock
	store      *storage.Store
	registry   *registry.Registry
	supervisor *process.Supervisor
	sockets    *claude.SocketRegistry
	adapters   *adapter.Registry
	launcher   *launcher.Launcher
	coord      *broker.Coordinator
	httpServer *http.Server
	tunnel     *tunnel.Tunnel
	metrics    *trace.Metrics

	log zerolog.Logger
}

// New builds but does not start the daemon. Fatal configuration problems
// (lock held, bad data dir) surface here.
func New(cfg config.Config, version string) (*Daemon, error) {
	d := &Daemon{cfg: cfg, version: version, log: logging.With("daemon")}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	d.lock = flock.New(filepath.Join(cfg.DataDir, lockFileName))
	locked, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another daemon already holds %s", d.lock.Path())
	}

	store, err := storage.New(cfg.DataDir)
	if err != nil {
		d.unlock()
		return nil, fmt.Errorf("storage: %w", err)
	}
	d.store = store

	if cfg.RuntimeMode != "" {
		d.log.Info().Str("runtime_mode", cfg.RuntimeMode).Msg("runtime mode set")
	}

	if cfg.Tunnel && cfg.Token == "" {
		cfg.Token = uuid.NewString()
		d.cfg.Token = cfg.Token
		d.log.Info().Msg("tunnel enabled without a token, generated one")
	}

	tracer := trace.New(trace.Config{
		Filter:         cfg.Trace,
		Level:          trace.Level(cfg.TraceLevel),
		AllowSensitive: cfg.TraceAllowSensitive,
	})
	if cfg.Prometheus {
		d.metrics = trace.NewMetrics()
	}

	d.registry = registry.New(store, cfg.Limits.MaxSessions)
	if err := d.registry.RestoreFromStorage(); err != nil {
		d.unlock()
		return nil, fmt.Errorf("restore registry: %w", err)
	}
	d.restoreSessionRecords()

	d.supervisor = process.NewSupervisor(process.Config{
		KillGracePeriod:        cfg.Limits.KillGracePeriod,
		CrashThreshold:         cfg.Limits.CrashThreshold,
		ResumeFailureThreshold: cfg.Limits.ResumeFailureThreshold,
		Breaker:                breakerConfig(cfg.Limits),
	}, d.emitToCoordinator)

	d.sockets = claude.NewSocketRegistry()
	d.adapters = adapter.NewRegistry(
		claude.New(d.sockets),
		codex.New(codex.DefaultConfig(), d.supervisor),
		gemini.New(gemini.DefaultConfig(), d.supervisor),
		opencode.New(opencode.DefaultConfig(), d.supervisor),
		acp.New(acp.Config{Binary: defaultACPAgent}, d.supervisor),
		openai.New(),
		adk.New(),
	)

	d.launcher = launcher.New(launcher.Config{
		Host:                cfg.Host,
		Port:                cfg.Port,
		RelaunchGracePeriod: cfg.Limits.RelaunchGracePeriod,
	}, d.supervisor, d.registry)

	d.coord = broker.NewCoordinator(broker.CoordinatorOptions{
		Limits:         cfg.Limits,
		Adapters:       d.adapters,
		Registry:       d.registry,
		Store:          store,
		Launcher:       d.launcher,
		DefaultAdapter: cfg.Adapter,
		Tracer:         tracer,
		Metrics:        d.metrics,
	})
	d.launcher.SetConnector(d.coord.Lifecycle())

	srv := api.NewServer(api.Options{
		Coordinator: d.coord,
		Registry:    d.registry,
		Adapters:    d.adapters,
		Sockets:     d.sockets,
		Metrics:     d.metrics,
		Token:       cfg.Token,
		Version:     version,
	})
	d.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logging.StdErrorLogger(),
	}

	if cfg.Tunnel {
		d.tunnel = tunnel.New(tunnel.Config{Port: cfg.Port})
	}
	return d, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePIDFile(); err != nil {
		d.unlock()
		return err
	}

	ln, err := net.Listen("tcp", d.httpServer.Addr)
	if err != nil {
		d.removePIDFile()
		d.unlock()
		return fmt.Errorf("listen %s: %w", d.httpServer.Addr, err)
	}

	d.coord.Start()

	serveErr := make(chan error, 1)
	go func() {
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	d.log.Info().Str("addr", d.httpServer.Addr).Str("version", d.version).Msg("daemon listening")

	if d.tunnel != nil {
		if err := d.tunnel.Start(); err != nil {
			d.log.Error().Err(err).Msg("tunnel start failed")
		} else {
			go d.reportTunnelURL(ctx)
		}
	}

	d.relaunchRestored()
	if !d.cfg.NoAutoLaunch {
		d.autoLaunch(ctx)
	}

	select {
	case err := <-serveErr:
		d.shutdown()
		return err
	case <-ctx.Done():
		d.shutdown()
		return nil
	}
}

func (d *Daemon) shutdown() {
	d.log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.httpServer.Shutdown(shutdownCtx)

	d.coord.Stop()
	d.supervisor.KillAll()
	if d.tunnel != nil {
		d.tunnel.Stop()
	}

	d.removePIDFile()
	d.unlock()
	d.log.Info().Msg("shutdown complete")
}

// emitToCoordinator forwards supervisor events once the coordinator exists.
// The supervisor is built first, so early events (none expected before Run)
// are dropped rather than dereferencing nil.
func (d *Daemon) emitToCoordinator(ev domain.Event) {
	if d.coord != nil {
		d.coord.HandleEvent(ev)
	}
}

func breakerConfig(l config.Limits) circuit.Config {
	return circuit.Config{
		FailureThreshold: l.BreakerFailureThreshold,
		Window:           l.BreakerWindow,
		RecoveryTime:     l.BreakerRecoveryTime,
		SuccessThreshold: l.BreakerSuccessThreshold,
	}
}

// restoreSessionRecords rehydrates history, reducer state and pending work
// for every session the registry brought back.
func (d *Daemon) restoreSessionRecords() {
	for _, sess := range d.registry.List() {
		rec, err := d.store.LoadSession(sess.ID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				d.log.Warn().Err(err).Str("session_id", sess.ID).Msg("skipping corrupt session record")
			}
			continue
		}
		sess.SetName(rec.Name)
		sess.SetArchived(rec.Archived)
		sess.RestoreState(rec.State)
		sess.RestoreHistory(rec.MessageHistory)
		sess.RestorePermissions(rec.PendingPermissions)
		frames := make([][]byte, 0, len(rec.PendingMessages))
		for _, raw := range rec.PendingMessages {
			frames = append(frames, []byte(raw))
		}
		sess.RestorePending(frames)
	}
}

// relaunchRestored brings back backends for sessions restored as starting
// (their old PID was still alive, but the socket died with the old daemon).
func (d *Daemon) relaunchRestored() {
	for _, sess := range d.registry.Starting() {
		if sess.Archived() {
			continue
		}
		d.log.Info().Str("session_id", sess.ID).Msg("relaunching restored session")
		if err := d.launcher.Relaunch(sess.ID); err != nil {
			d.log.Error().Err(err).Str("session_id", sess.ID).Msg("restore relaunch failed")
			d.registry.SetStatus(sess.ID, registry.StatusExited)
		}
	}
}

// autoLaunch creates the initial session in the invocation cwd. Failure is
// logged, never fatal.
func (d *Daemon) autoLaunch(ctx context.Context) {
	cwd, err := os.Getwd()
	if err != nil {
		d.log.Error().Err(err).Msg("auto-launch skipped: no working directory")
		return
	}
	sess, err := d.coord.CreateSession(ctx, broker.CreateOptions{Cwd: cwd})
	if err != nil {
		d.log.Error().Err(err).Msg("auto-launch failed")
		return
	}
	d.log.Info().Str("session_id", sess.ID).Str("adapter", sess.AdapterName).Msg("auto-launched session")
}

func (d *Daemon) reportTunnelURL(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	url, err := d.tunnel.WaitURL(waitCtx)
	if err != nil {
		d.log.Warn().Err(err).Msg("tunnel url never arrived")
		return
	}
	d.log.Info().Str("url", url).Msg("public tunnel ready")
}

func (d *Daemon) writePIDFile() error {
	path := filepath.Join(d.cfg.DataDir, pidFileName)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	return nil
}

func (d *Daemon) removePIDFile() {
	_ = os.Remove(filepath.Join(d.cfg.DataDir, pidFileName))
}

func (d *Daemon) unlock() {
	if err := d.lock.Unlock(); err != nil {
		d.log.Warn().Err(err).Msg("failed to release lock file")
	}
}
