package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	plog "github.com/phuslu/log"

	"etwpipe/internal/capture"
	"etwpipe/internal/config"
	"etwpipe/internal/etw/backend/goetw"
	"etwpipe/internal/etw/backend/memtrace"
	"etwpipe/internal/etw/consumer"
	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/etw/event"
	"etwpipe/internal/etw/provider"
	"etwpipe/internal/etw/schema"
	"etwpipe/internal/etw/tracing"
	"etwpipe/internal/etw/watcher"
	"etwpipe/internal/export"
	"etwpipe/internal/maps"
	"etwpipe/internal/profiles"

	etwmain "etwpipe/internal/etw"

	"github.com/google/uuid"
)

// Pipeline encapsulates the sessions, the optional recorder and the metrics
// endpoint, and moves the merged event stream to a sink.
type Pipeline struct {
	config     *config.AppConfig
	tracer     tracing.Tracer
	synthetic  *memtrace.Tracer
	scenario   *memtrace.Scenario
	manager    *etwmain.Manager
	recorder   *capture.Recorder
	watcher    *watcher.Watcher
	httpServer *http.Server
	log        plog.Logger
}

// NewPipeline validates cfg and builds every component. Nothing is started
// until Run.
func NewPipeline(cfg *config.AppConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", etwerr.ErrInvalidConfig, err)
	}

	p := &Pipeline{
		config:  cfg,
		manager: etwmain.NewManager(),
		log:     plog.DefaultLogger, // main app uses default logger
	}
	p.log.Info().
		Str("version", Version).
		Str("backend", cfg.Session.Backend).
		Bool("kernel", cfg.Kernel.Enabled).
		Bool("capture", cfg.Capture.Enabled).
		Msg("Starting etwpipe")

	if err := p.setupTracer(); err != nil {
		return nil, err
	}
	providers, categories, err := p.resolveProviders()
	if err != nil {
		return nil, err
	}
	if err := p.setupSessions(providers, categories); err != nil {
		return nil, err
	}
	if cfg.Server.Enabled {
		p.setupHTTPServer()
	}
	if cfg.Capture.Enabled {
		if err := p.setupRecorder(providers); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// setupTracer selects the backend: the OS tracing subsystem or the
// in-memory tracer driven by a scenario.
func (p *Pipeline) setupTracer() error {
	tracer, sc, err := openBackend(p.config)
	if err != nil {
		return err
	}
	p.tracer = tracer
	if sc == nil {
		if runtime.GOOS == "windows" && !goetw.Elevated() {
			p.log.Warn().Msg("Not running elevated, kernel and most system providers will be denied")
		}
		return nil
	}
	p.synthetic, p.scenario = tracer.(*memtrace.Tracer), sc
	p.log.Info().Int("records", len(sc.Records)).Int("schemas", len(sc.Schemas)).Msg("Synthetic backend ready")
	return nil
}

// openBackend returns the configured tracer. For the synthetic backend the
// scenario is installed into a memtrace.Tracer and returned as well.
func openBackend(cfg *config.AppConfig) (tracing.Tracer, *memtrace.Scenario, error) {
	if cfg.Session.Backend != "synthetic" {
		return goetw.New(), nil, nil
	}

	var (
		sc  *memtrace.Scenario
		err error
	)
	if path := cfg.Synthetic.ScenarioFile; path != "" {
		sc, err = memtrace.LoadScenario(path)
	} else {
		sc, err = memtrace.DemoScenario()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load scenario: %w", err)
	}
	mt := memtrace.New()
	sc.Install(mt)
	return mt, sc, nil
}

// resolveProviders combines the configured providers with the selected
// profile. A profile that names kernel categories also enables the kernel
// session.
func (p *Pipeline) resolveProviders() ([]provider.Config, provider.KernelCategory, error) {
	cfg := p.config
	var categories provider.KernelCategory
	if cfg.Kernel.Enabled {
		cats, err := provider.ParseKernelCategories(cfg.Kernel.Categories)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: kernel.categories: %w", etwerr.ErrInvalidConfig, err)
		}
		categories = cats
	}
	if !cfg.Session.Enabled {
		return nil, categories, nil
	}

	entries := slices.Clone(cfg.Session.Providers)
	if cfg.Session.Profile != "" {
		set, err := profiles.Load(cfg.Session.ProfilesFile)
		if err != nil {
			return nil, 0, err
		}
		prof, err := set.Lookup(cfg.Session.Profile)
		if err != nil {
			return nil, 0, err
		}
		cats, err := prof.Categories()
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, prof.Providers...)
		categories |= cats
		p.log.Info().Str("profile", prof.Name).Int("providers", len(prof.Providers)).
			Strs("kernel", prof.Kernel).Msg("Profile selected")
	}

	providers, err := profiles.Merge(entries)
	if err != nil {
		return nil, 0, err
	}
	if len(providers) == 0 && p.scenario != nil {
		providers = p.scenario.ProviderConfigs()
	}
	return providers, categories, nil
}

// setupSessions creates the user and kernel sessions and registers them
// with the manager.
func (p *Pipeline) setupSessions(providers []provider.Config, categories provider.KernelCategory) error {
	cfg := p.config

	kind, err := maps.ParseKind(cfg.SchemaCache.Implementation)
	if err != nil {
		return fmt.Errorf("%w: schema_cache.implementation: %w", etwerr.ErrInvalidConfig, err)
	}
	common := []etwmain.Option{etwmain.WithCacheKind(kind)}
	if cfg.SchemaCache.Shared {
		common = append(common, etwmain.WithSchemaCache(schema.NewCache(kind)))
	}
	if cfg.Capture.Enabled {
		common = append(common, etwmain.WithTap(p.observe))
	}

	switch {
	case cfg.Session.Enabled && len(providers) > 0:
		name := sessionName(cfg.Session.Name)
		userOpts := []etwmain.Option{
			etwmain.WithChannelCapacity(cfg.Session.ChannelCapacity),
			etwmain.WithBufferSizeKB(cfg.Session.BufferSizeKB),
			etwmain.WithBuffers(cfg.Session.MinBuffers, cfg.Session.MaxBuffers),
			etwmain.WithFlushInterval(time.Duration(cfg.Session.FlushIntervalMs) * time.Millisecond),
			etwmain.WithStopIfExists(cfg.Session.StopIfExists),
		}
		if cfg.Session.Watch {
			providers = p.setupWatcher(name, providers, categories != 0)
			userOpts = append(userOpts, etwmain.WithTap(p.watcher.Observe))
		}
		s := etwmain.NewSession(name, p.tracer, slices.Concat(common, userOpts)...)
		for _, pc := range providers {
			if err := s.AddProvider(pc); err != nil {
				return fmt.Errorf("failed to add provider %s: %w", pc.DisplayName(), err)
			}
			p.log.Debug().Str("provider", pc.DisplayName()).Str("level", pc.Level.String()).
				Uint64("keywords_any", pc.MatchAnyKeyword).Msg("Provider enabled")
		}
		if err := p.manager.Add(s); err != nil {
			return err
		}
	case cfg.Session.Enabled:
		p.log.Warn().Msg("No providers configured, user session skipped")
	}

	if categories != 0 {
		s := etwmain.NewKernelSession(cfg.Kernel.Name, p.tracer, categories, slices.Concat(common, []etwmain.Option{
			etwmain.WithChannelCapacity(cfg.Kernel.ChannelCapacity),
			etwmain.WithStopIfExists(true),
		})...)
		if err := p.manager.Add(s); err != nil {
			return err
		}
		p.log.Info().Strs("categories", categories.Names()).Msg("Kernel session configured")
	}

	if len(p.manager.Sessions()) == 0 {
		return fmt.Errorf("%w: nothing to trace, configure providers, a profile or kernel categories", etwerr.ErrInvalidConfig)
	}
	return nil
}

// setupWatcher watches the user session, and the kernel session when one is
// configured, for stops issued by other processes. The session lifecycle
// provider is added to providers unless it is already enabled.
func (p *Pipeline) setupWatcher(userSession string, providers []provider.Config, kernel bool) []provider.Config {
	names := []string{userSession}
	if kernel {
		names = append(names, p.config.Kernel.Name)
	}
	p.watcher = watcher.New(names)

	if !slices.ContainsFunc(providers, func(c provider.Config) bool { return c.GUID == provider.KernelEventTracingGUID }) {
		providers = append(providers, watcher.Provider())
	}
	p.log.Info().Strs("sessions", names).Msg("Session watcher enabled")
	return providers
}

func (p *Pipeline) setupRecorder(providers []provider.Config) error {
	c, err := capture.ParseCompression(p.config.Capture.Compression)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(providers))
	for _, pc := range providers {
		ids = append(ids, pc.GUID)
	}
	rec, err := capture.Create(p.config.Capture.Path, ids, capture.WithCompression(c))
	if err != nil {
		return err
	}
	p.recorder = rec
	return nil
}

// observe is the session tap feeding the recorder.
func (p *Pipeline) observe(ev *event.Event) error {
	if p.recorder == nil {
		return nil
	}
	return p.recorder.Observe(ev)
}

// Manager returns the session manager.
func (p *Pipeline) Manager() *etwmain.Manager { return p.manager }

// Run starts every component and writes events to sink until the sessions
// end, a limit set by opts is reached or ctx is done. A nil sink discards
// the events. It returns the number of events written.
func (p *Pipeline) Run(ctx context.Context, sink export.Writer, opts ...consumer.Option) (int, error) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if p.recorder != nil {
		if err := p.recorder.Start(); err != nil {
			return 0, fmt.Errorf("failed to start recorder: %w", err)
		}
	}

	p.log.Info().Msg("Starting trace sessions...")
	if err := p.manager.Start(); err != nil {
		if p.recorder != nil {
			_ = p.recorder.Stop()
		}
		return 0, err
	}

	if p.httpServer != nil {
		go p.serveHTTP(stop)
	}

	var drivers sync.WaitGroup
	if p.synthetic != nil {
		p.startDrivers(ctx, &drivers)
	}

	p.log.Info().Msg("etwpipe is ready and collecting events...")

	n := 0
	var runErr error
	it := consumer.NewIterator(ctx, p.manager, opts...)
	for it.Next() {
		if sink != nil {
			if err := sink.Write(it.Event()); err != nil {
				runErr = fmt.Errorf("failed to write event: %w", err)
				break
			}
		}
		n++
	}
	it.Close()
	// Ending because ctx is done is a normal shutdown.
	if err := it.Err(); err != nil && ctx.Err() == nil {
		runErr = errors.Join(runErr, err)
	}
	p.log.Info().Int("events", n).Msg("! Shutdown initiated...")

	// --- Graceful shutdown sequence ---
	stop()
	if err := p.shutdown(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	drivers.Wait()

	p.log.Info().Msg("etwpipe stopped gracefully")
	return n, runErr
}

// startDrivers replays the scenario into every synthetic trace. Once all of
// them have finished the sessions are stopped, which ends the stream after
// the buffered events have been read.
func (p *Pipeline) startDrivers(ctx context.Context, wg *sync.WaitGroup) {
	interval := time.Duration(p.config.Synthetic.IntervalMs) * time.Millisecond
	repeat := p.config.Synthetic.Repeat

	var pending sync.WaitGroup
	for _, s := range p.manager.Sessions() {
		tr, ok := p.synthetic.Trace(s.Name())
		if !ok {
			continue
		}
		pending.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pending.Done()
			n, err := p.scenario.Drive(ctx, tr, interval, repeat)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, tracing.ErrTraceNotFound) {
				p.log.Warn().Err(err).Str("session", s.Name()).Msg("Scenario aborted")
			}
			p.log.Debug().Str("session", s.Name()).Int("records", n).Msg("Scenario finished")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pending.Wait()
		if ctx.Err() != nil {
			return
		}
		if err := p.manager.Stop(); err != nil {
			p.log.Error().Err(err).Msg("Error stopping sessions after scenario")
		}
	}()
}

func (p *Pipeline) serveHTTP(stop context.CancelFunc) {
	// Recover from panics in this goroutine to trigger a graceful shutdown.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
			stop()
		}
	}()
	p.log.Info().Str("address", p.httpServer.Addr).Msg("Starting HTTP server")
	if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Error().Err(err).Msg("Failed to start HTTP server")
		stop() // Trigger shutdown on server error
	}
}

// shutdown stops the HTTP server, then the sessions, then the recorder.
func (p *Pipeline) shutdown() error {
	var errs []error

	if p.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.httpServer.Shutdown(httpCtx); err != nil {
			p.log.Error().Err(err).Msg("Error shutting down HTTP server")
		} else {
			p.log.Debug().Msg("HTTP server shut down cleanly")
		}
	}

	if err := p.manager.Close(); err != nil {
		p.log.Error().Err(err).Msg("Error stopping trace sessions")
		errs = append(errs, err)
	} else {
		p.log.Info().Msg("Trace sessions stopped successfully")
	}

	// The recorder goes last so that every tapped event reaches the file.
	if p.recorder != nil {
		if err := p.recorder.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sessionName returns name, or a random "etwpipe-xxxxxxxx" name when empty.
func sessionName(name string) string {
	if name != "" {
		return name
	}
	return "etwpipe-" + uuid.NewString()[:8]
}
