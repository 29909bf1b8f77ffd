// Package app assembles the server process: stores, the event loop, the
// entity registry and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/gjallarhorn/internal/backends/casters"
	"github.com/DoyleJ11/gjallarhorn/internal/backends/lowerthirds"
	"github.com/DoyleJ11/gjallarhorn/internal/backends/queue"
	"github.com/DoyleJ11/gjallarhorn/internal/backends/status"
	"github.com/DoyleJ11/gjallarhorn/internal/backends/ticker"
	"github.com/DoyleJ11/gjallarhorn/internal/backends/tournament"
	"github.com/DoyleJ11/gjallarhorn/internal/cache"
	"github.com/DoyleJ11/gjallarhorn/internal/config"
	"github.com/DoyleJ11/gjallarhorn/internal/entity"
	"github.com/DoyleJ11/gjallarhorn/internal/errs"
	"github.com/DoyleJ11/gjallarhorn/internal/eventloop"
	"github.com/DoyleJ11/gjallarhorn/internal/httpapi"
	"github.com/DoyleJ11/gjallarhorn/internal/output"
	"github.com/DoyleJ11/gjallarhorn/internal/registry"
	"github.com/DoyleJ11/gjallarhorn/internal/snapshot"
	"github.com/DoyleJ11/gjallarhorn/internal/startgg"
	"github.com/DoyleJ11/gjallarhorn/internal/system"
	"github.com/DoyleJ11/gjallarhorn/internal/transport"
)

const (
	startGGID       = "startgg"
	shutdownTimeout = 5 * time.Second
)

type Option func(*options)

type options struct {
	startgg []startgg.Option
	exit    func(code int)
}

// WithStartGG passes extra options to the start.gg client.
func WithStartGG(opts ...startgg.Option) Option {
	return func(o *options) { o.startgg = append(o.startgg, opts...) }
}

// WithExit replaces the function coldRestart uses to end the process.
func WithExit(fn func(code int)) Option { return func(o *options) { o.exit = fn } }

type App struct {
	cfg config.Config
	log *zap.Logger

	loop   *eventloop.Loop
	server *transport.Server
	store  snapshot.Store
	cache  *cache.Cache
	out    *output.Writer
	reg    *registry.Registry
	system *system.System
}

// New opens the snapshot store, consumes the persistent snapshot and
// constructs every entity. Nothing runs until Serve.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	snaps, err := store.Consume(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) > 0 {
		log.Info("restoring from snapshot", zap.Int("entities", len(snaps)))
	}

	out, err := output.NewWriter(cfg.OutputPath, log)
	if err != nil {
		return nil, err
	}

	loop := eventloop.New()
	a := &App{
		cfg:    cfg,
		log:    log,
		loop:   loop,
		server: transport.NewServer(log),
		store:  store,
		cache:  cache.New(loop.Clock()),
		out:    out,
		reg:    registry.New(),
	}

	sink := errs.NewSink()
	rt := entity.Runtime{
		Loop:      loop,
		Server:    a.server,
		Snapshots: snapshot.NewLoaded(snaps),
		Errors:    sink,
		Log:       log,
	}
	if err := a.register(rt, sink, o); err != nil {
		return nil, err
	}
	if err := a.reg.Build(); err != nil {
		return nil, fmt.Errorf("build entities: %w", err)
	}

	if a.system, err = registry.Get[*system.System](a.reg, system.Identifier); err != nil {
		return nil, err
	}
	if db, ok := store.(*snapshot.DBStore); ok {
		st, err := registry.Get[*status.Status](a.reg, status.Identifier)
		if err != nil {
			return nil, err
		}
		db.SetRecorder(st)
	}
	return a, nil
}

func openStore(cfg config.Config, log *zap.Logger) (snapshot.Store, error) {
	if cfg.SnapshotDSN != "" {
		return snapshot.OpenPostgres(cfg.SnapshotDSN, log)
	}
	return snapshot.NewDirStore(cfg.TempPath, log), nil
}

func (a *App) register(rt entity.Runtime, sink *errs.Sink, o options) error {
	var err error
	add := func(id string, deps []string, ctor registry.Constructor) {
		err = multierr.Append(err, a.reg.Register(id, deps, ctor))
	}

	add(system.Identifier, nil, func(registry.Deps) (any, error) {
		return system.New(rt, sink, system.Config{
			Store:       a.store,
			Nodes:       a.Nodes,
			DumpTimeout: a.cfg.DumpTimeout.Duration,
			Exit:        o.exit,
		}), nil
	})
	add(status.Identifier, nil, func(registry.Deps) (any, error) {
		return status.New(rt), nil
	})
	add(startGGID, []string{status.Identifier}, func(d registry.Deps) (any, error) {
		st, err := registry.Dep[*status.Status](d, status.Identifier)
		if err != nil {
			return nil, err
		}
		opts := append([]startgg.Option{startgg.WithRecorder(st)}, o.startgg...)
		return startgg.New(a.cfg.StartGGKey, a.cache, a.log, opts...), nil
	})
	add(casters.Identifier, nil, func(registry.Deps) (any, error) {
		return casters.New(rt, a.out), nil
	})
	add(ticker.Identifier, nil, func(registry.Deps) (any, error) {
		return ticker.New(rt, a.out), nil
	})
	add(tournament.Identifier, []string{startGGID}, func(d registry.Deps) (any, error) {
		api, err := registry.Dep[*startgg.Client](d, startGGID)
		if err != nil {
			return nil, err
		}
		return tournament.New(rt, api, a.out, a.cfg.TournamentSlug), nil
	})
	add(queue.Identifier, []string{tournament.Identifier, startGGID}, func(d registry.Deps) (any, error) {
		api, err := registry.Dep[*startgg.Client](d, startGGID)
		if err != nil {
			return nil, err
		}
		t, err := registry.Dep[*tournament.Tournament](d, tournament.Identifier)
		if err != nil {
			return nil, err
		}
		return queue.New(rt, api, t, a.out), nil
	})
	add(lowerthirds.Identifier, nil, func(registry.Deps) (any, error) {
		return lowerthirds.New(rt, a.out), nil
	})
	return err
}

// Nodes lists every constructed entity.
func (a *App) Nodes() []entity.Node {
	return entity.Nodes(a.reg.Instances())
}

// Handler is the HTTP surface: health, public config, output files and
// the backend socket.
func (a *App) Handler() http.Handler {
	return httpapi.SetupRoutes(a.server, a.cfg.Public(), a.out.Dir(), a.log)
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve starts the loop and every entity, then serves HTTP on ln. When ctx
// is done every entity is dumped to the persistent target before the
// server and the loop stop.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		stopLoop()
		<-a.loop.Done()
	}()
	go a.loop.Run(loopCtx)

	for _, n := range a.Nodes() {
		if s, ok := n.(interface{ Start() }); ok {
			s.Start()
		}
	}

	hs := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("name", a.cfg.Name))
		if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.cache.Run(gctx, cache.PurgeEvery)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		bg := context.WithoutCancel(ctx)
		if err := a.system.DumpAll(bg, snapshot.DefaultTarget, true); err != nil {
			a.log.Error("final dump incomplete", zap.Error(err))
		}
		sctx, cancel := context.WithTimeout(bg, shutdownTimeout)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}
