// Copyright 2026 KSI Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles and runs the KSI daemon: the Unix socket server,
// the per-connection dispatcher, the command handlers, the PID collision
// guard and the hot-reload controller. Everything else lives in the manager
// packages this one wires together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ksi-project/ksi/internal/csync"
	"github.com/ksi-project/ksi/internal/jsonl"
	"github.com/ksi-project/ksi/internal/log"
	"github.com/ksi-project/ksi/pkg/agents"
	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/command"
	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/composer"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/identity"
	"github.com/ksi-project/ksi/pkg/injection"
	"github.com/ksi-project/ksi/pkg/state"
	"github.com/ksi-project/ksi/pkg/supervisor"
)

// Options tunes daemon startup beyond the config tree.
type Options struct {
	// HotReloadFrom is the predecessor's primary socket path. When set the
	// daemon starts in successor mode: the PID collision guard is skipped
	// and a LOAD_STATE is expected shortly after the socket becomes
	// healthy.
	HotReloadFrom string
}

// Daemon owns every manager and the socket server. Construct with New,
// serve with Run; Run returns after graceful shutdown completes.
type Daemon struct {
	cfg  *config.Config
	opts Options

	registry   *command.Registry
	sessions   *state.SessionTracker
	kv         *state.SharedStore
	identities *identity.Manager
	agents     *agents.Manager
	procs      *supervisor.Manager
	bus        *bus.Bus
	pipeline   *completion.Pipeline
	injector   *injection.Router
	composer   *composer.Composer

	cron     *cron.Cron
	listener net.Listener
	conns    *csync.Map[string, *clientConn]
	connWG   sync.WaitGroup

	startedAt   time.Time
	stateLoaded atomic.Bool
	reloading   atomic.Bool

	rootCtx    context.Context
	cancelRoot context.CancelFunc

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs the daemon and wires its managers. Fatal construction
// failures (SQLite, runtime directories) return an error; optional managers
// that fail to come up leave their slot nil and the matching commands
// answer with a NO_*_MANAGER code.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureRuntimeDirs(); err != nil {
		return nil, fmt.Errorf("runtime directories: %w", err)
	}

	kv, err := state.NewSharedStore(state.DBConfig{Path: cfg.State.DBPath})
	if err != nil {
		return nil, fmt.Errorf("shared state store: %w", err)
	}

	ids, err := identity.NewManager(cfg.State.IdentityPath)
	if err != nil {
		// Identity is a secondary store; the daemon serves without it.
		log.Error("identity manager unavailable", zap.Error(err))
		ids = nil
	}

	comp, err := composer.New(cfg.Composer)
	if err != nil {
		log.Error("prompt composer unavailable", zap.Error(err))
		comp = nil
	}

	procs := supervisor.NewManager()
	sessions := state.NewSessionTracker()

	agentMgr := agents.NewManager(agents.Options{
		Composer:      profileComposer(comp),
		Workers:       procs,
		Identities:    ids,
		WorkerCommand: cfg.Agents.WorkerCommand,
		SocketPath:    cfg.Daemon.SocketPath,
		DefaultModel:  cfg.Completion.DefaultModel,
		MaxAgents:     cfg.Agents.MaxAgents,
		RoutingLog:    jsonl.NewWriter(cfg.RoutingLogPath()),
	})

	b := bus.New(bus.Options{
		Directory:   agentMgr,
		QueueSize:   cfg.Bus.OfflineQueueSize,
		HistorySize: cfg.Bus.HistorySize,
		EventLog:    jsonl.NewWriter(cfg.BusLogPath()),
	})
	agentMgr.SetBus(b)
	procs.OnProcessExit(agentMgr.HandleProcessExit)

	pipeline := completion.NewPipeline(completion.Options{
		Runner:        procs,
		Sessions:      sessions,
		Config:        cfg.Completion,
		SessionLogDir: cfg.Logging.SessionDir,
		Events:        b,
		Agents:        agentMgr,
		KV:            kv,
	})

	injector := injection.NewRouter(injection.Options{
		Completer: pipeline,
		Config:    cfg.Injection,
		Events:    b,
		Composer:  eventComposer(comp),
	})
	// The injection hook runs before the temporal hook so pending content
	// is part of the prompt the temporal prefix describes.
	pipeline.RegisterHook(injector.CompletionHook())
	if cfg.Completion.TemporalContext {
		pipeline.RegisterHook(completion.TemporalHook(sessions))
	}
	pipeline.OnResult(injector.HandleCompletionResult)

	rootCtx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:        cfg,
		opts:       opts,
		registry:   command.NewRegistry(),
		sessions:   sessions,
		kv:         kv,
		identities: ids,
		agents:     agentMgr,
		procs:      procs,
		bus:        b,
		pipeline:   pipeline,
		injector:   injector,
		composer:   comp,
		conns:      csync.NewMap[string, *clientConn](),
		rootCtx:    rootCtx,
		cancelRoot: cancel,
		shutdownCh: make(chan struct{}),
	}
	if err := d.registerCommands(); err != nil {
		cancel()
		return nil, fmt.Errorf("command registration: %w", err)
	}
	return d, nil
}

// profileComposer narrows a possibly-nil composer to the agents interface.
// A typed nil interface would defeat the manager's nil checks.
func profileComposer(c *composer.Composer) agents.ProfileComposer {
	if c == nil {
		return nil
	}
	return c
}

func eventComposer(c *composer.Composer) injection.Composer {
	if c == nil {
		return nil
	}
	return c
}

// Run binds the socket and serves until a shutdown is requested via ctx,
// signal handling in the caller, or the SHUTDOWN command.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.HotReloadFrom == "" {
		if err := d.acquirePID(); err != nil {
			return err
		}
	} else {
		log.Info("starting in hot-reload successor mode",
			zap.String("predecessor_socket", d.opts.HotReloadFrom))
	}

	ln, err := d.bind()
	if err != nil {
		d.releasePID()
		return err
	}
	d.listener = ln
	d.startedAt = time.Now()
	d.startScheduler()

	log.Info("daemon listening",
		zap.String("socket", d.cfg.Daemon.SocketPath),
		zap.Int("pid", os.Getpid()))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		d.acceptLoop(ln)
	}()

	// SIGHUP drops the composer caches so edited prompt files are reread.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if d.composer != nil {
				d.composer.ClearCache()
				log.Info("composer caches cleared on SIGHUP")
			}
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested by signal")
	case <-d.shutdownCh:
		log.Info("shutdown requested by command")
	}
	d.BeginShutdown()
	d.close()
	<-acceptDone
	return nil
}

// bind creates the Unix listener. A leftover socket file from a crashed
// daemon is removed; a live one was already detected by the PID guard.
func (d *Daemon) bind() (net.Listener, error) {
	path := d.cfg.Daemon.SocketPath
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", path, err)
	}
	return ln, nil
}

func (d *Daemon) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-d.shutdownCh:
			case <-d.rootCtx.Done():
			default:
				log.Error("accept failed", zap.Error(err))
			}
			return
		}
		d.connWG.Add(1)
		go func() {
			defer d.connWG.Done()
			d.serveConn(nc)
		}()
	}
}

// BeginShutdown triggers graceful shutdown once. Safe from any goroutine.
func (d *Daemon) BeginShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// scheduleShutdown lets a reply flush before shutdown begins.
func (d *Daemon) scheduleShutdown(after time.Duration) {
	time.AfterFunc(after, d.BeginShutdown)
}

// close tears everything down in reverse dependency order.
func (d *Daemon) close() {
	if d.listener != nil {
		_ = d.listener.Close()
	}
	if d.cron != nil {
		d.cron.Stop()
	}
	d.cancelRoot()

	// Closing connections unblocks persistent readers waiting on frames.
	for c := range d.conns.Values() {
		c.close()
	}
	d.connWG.Wait()

	d.injector.Close()
	d.pipeline.Close()
	d.procs.StopAll()
	if d.composer != nil {
		d.composer.Close()
	}
	if err := d.kv.Close(); err != nil {
		log.Warn("closing shared store", zap.Error(err))
	}

	if !d.reloading.Load() {
		// On hot reload the successor owns the (renamed) socket file.
		_ = os.Remove(d.cfg.Daemon.SocketPath)
	}
	d.releasePID()
	log.Info("daemon stopped")
}

// startScheduler runs the maintenance cron: KV TTL sweep, injection TTL
// sweep, and a periodic bus stats line for diagnostics.
func (d *Daemon) startScheduler() {
	c := cron.New()
	sweep := d.cfg.State.SweepIntervalSeconds
	if sweep <= 0 {
		sweep = 60
	}
	every := fmt.Sprintf("@every %ds", sweep)

	_, _ = c.AddFunc(every, func() {
		ctx, cancel := context.WithTimeout(d.rootCtx, 30*time.Second)
		defer cancel()
		if n, err := d.kv.SweepExpired(ctx); err != nil {
			log.Warn("kv expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Debug("kv expiry sweep", zap.Int64("removed", n))
		}
	})
	_, _ = c.AddFunc(every, func() {
		if n := d.injector.SweepExpired(); n > 0 {
			log.Debug("injection expiry sweep", zap.Int("removed", n))
		}
	})
	_, _ = c.AddFunc("@every 5m", func() {
		stats := d.bus.Stats()
		log.Info("message bus stats",
			zap.Int("connected_agents", len(stats.ConnectedAgents)),
			zap.Int("history_size", stats.HistorySize),
			zap.Int64("published", stats.Counters.Published),
			zap.Int64("delivered", stats.Counters.Delivered),
			zap.Int64("queued", stats.Counters.Queued))
	})
	c.Start()
	d.cron = c
}

// managerHealth reports one "ok"/"unavailable" entry per manager for
// HEALTH_CHECK.
func (d *Daemon) managerHealth() map[string]string {
	status := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "unavailable"
	}
	return map[string]string{
		"state":      status(d.kv != nil),
		"identity":   status(d.identities != nil),
		"agents":     status(d.agents != nil),
		"processes":  status(d.procs != nil),
		"bus":        status(d.bus != nil),
		"completion": status(d.pipeline != nil),
		"injection":  status(d.injector != nil),
		"composer":   status(d.composer != nil),
	}
}

// ErrAlreadyRunning reports a healthy daemon already holding the socket.
// The caller exits 0: the desired state (a running daemon) holds.
var ErrAlreadyRunning = errors.New("daemon already running")

// runDir returns the directory holding the socket and PID files.
func (d *Daemon) runDir() string {
	return filepath.Dir(d.cfg.Daemon.SocketPath)
}
