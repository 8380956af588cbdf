// Package bootstrap wires configuration into a running engine: event
// bus, registry, policy engine, middleware pipeline, executor, metrics
// and hot reload. Hosts embed the Engine and register their own
// modules alongside the script-backed ones from the manifest.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/modgate/modgate/adapters/clock"
	"github.com/modgate/modgate/adapters/idgen"
	"github.com/modgate/modgate/adapters/metrics"
	"github.com/modgate/modgate/adapters/script"
	"github.com/modgate/modgate/config"
	"github.com/modgate/modgate/core/acl"
	"github.com/modgate/modgate/core/contract"
	"github.com/modgate/modgate/core/events"
	"github.com/modgate/modgate/core/middleware"
	"github.com/modgate/modgate/core/module"
	"github.com/modgate/modgate/core/registry"
	"github.com/modgate/modgate/core/runtime"
)

// Engine is the fully wired module engine.
type Engine struct {
	Logger   zerolog.Logger
	Bus      *events.Bus
	Registry *registry.Registry
	ACL      *acl.Engine
	Pipeline *middleware.Pipeline
	Resolver *contract.Resolver
	Executor *runtime.Executor

	// Metrics is nil when collection is disabled.
	Metrics *metrics.Collector

	cfg    *config.Config
	holder *config.Holder
}

// SetupLogger builds the process logger from logging configuration.
func SetupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// New builds an engine from validated configuration. Manifest modules
// with a script become registered handlers; script-less manifests are
// descriptive only and skipped.
func New(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{Logger: logger, cfg: cfg}

	e.Bus = events.NewBus(logger)

	e.Registry = registry.New(registry.Options{
		Logger:       logger,
		Bus:          e.Bus,
		DrainTimeout: cfg.Engine.DrainTimeout(),
	})

	policy, err := config.LoadPolicy(cfg)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	e.ACL, err = acl.New(policy, logger)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}

	e.Resolver = contract.NewResolver()

	if cfg.Metrics.Enabled {
		e.Metrics = metrics.New(cfg.Metrics.Namespace)
		e.watchModuleCount()
		logger.Info().Str("namespace", cfg.Metrics.Namespace).Msg("prometheus metrics enabled")
	}

	e.Pipeline = middleware.New(logger)
	if err := e.installMiddleware(cfg.Middleware); err != nil {
		return nil, err
	}

	execOpts := runtime.Options{
		Registry:    e.Registry,
		ACL:         e.ACL,
		Pipeline:    e.Pipeline,
		Resolver:    e.Resolver,
		Clock:       clock.Real{},
		IDGen:       idgen.UUID{},
		Logger:      logger,
		Bus:         e.Bus,
		MaxDepth:    cfg.Engine.MaxDepth,
		MaxRepeat:   cfg.Engine.MaxRepeat,
		CallTimeout: cfg.Engine.CallTimeout(),
		Grace:       cfg.Engine.Grace(),
	}
	if e.Metrics != nil {
		execOpts.Metrics = e.Metrics
	}
	e.Executor, err = runtime.New(execOpts)
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}

	if err := e.registerManifestModules(cfg.Modules); err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) installMiddleware(cfg config.MiddlewareConfig) error {
	if cfg.Audit.Enabled {
		e.Pipeline.Use(middleware.NewAudit(e.Logger, clock.Real{}, cfg.Audit.Priority))
	}
	if cfg.Transform.Enabled {
		entry, err := middleware.NewTransform(middleware.TransformConfig{
			Rules: cfg.Transform.Rules,
		}, cfg.Transform.Priority)
		if err != nil {
			return fmt.Errorf("compile transform rules: %w", err)
		}
		e.Pipeline.Use(entry)
	}
	if cfg.RateLimit.Enabled {
		e.Pipeline.Use(middleware.NewRateLimit(middleware.RateLimitConfig{
			Limit:       cfg.RateLimit.Limit,
			Window:      cfg.RateLimit.Window(),
			BurstTokens: cfg.RateLimit.BurstTokens,
		}, clock.Real{}, cfg.RateLimit.Priority))
	}
	return nil
}

// registerManifestModules registers the script-backed manifest entries
// and indexes every declared contract with the resolver so $ref lookups
// can cross module boundaries.
func (e *Engine) registerManifestModules(manifests []config.ModuleManifest) error {
	var defs []module.Definition
	for _, m := range manifests {
		if m.Input != nil {
			e.Resolver.AddDocument(m.ID+".input", m.Input)
		}
		if m.Output != nil {
			e.Resolver.AddDocument(m.ID+".output", m.Output)
		}
		if m.Script == nil {
			continue
		}
		handler, err := script.New(script.Config{
			Source: m.Script.Source,
			Entry:  m.Script.Entry,
		}, e.Logger)
		if err != nil {
			return fmt.Errorf("module %s: %w", m.ID, err)
		}
		defs = append(defs, module.Definition{
			ID:           m.ID,
			Description:  m.Description,
			InputSchema:  m.Input,
			OutputSchema: m.Output,
			Hints:        m.Hints,
			Handler:      handler,
		})
	}
	if len(defs) == 0 {
		return nil
	}

	report := e.Registry.RegisterBatch(defs)
	if !report.Ok() {
		f := report.Failed[0]
		return fmt.Errorf("register module %s: %w", f.ID, f.Err)
	}
	e.Logger.Info().Int("count", len(report.Registered)).Msg("manifest modules registered")
	return nil
}

// AttachHolder wires configuration hot reload: policy changes swap into
// the ACL engine atomically, log level changes apply globally. Other
// fields require a restart and are ignored here.
func (e *Engine) AttachHolder(h *config.Holder) {
	e.holder = h
	h.OnChange(func(cfg *config.Config) {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}

		policy, err := config.LoadPolicy(cfg)
		if err == nil {
			err = e.ACL.Swap(policy)
		}
		if err != nil {
			e.Logger.Error().Err(err).Msg("policy reload failed, keeping active policy")
			if e.Metrics != nil {
				e.Metrics.PolicyReloadErrors.Inc()
			}
			return
		}
		if e.Metrics != nil {
			e.Metrics.PolicyReloads.Inc()
		}
		e.Bus.Publish(context.Background(), events.Event{Name: events.PolicySwapped})
	})
}

// watchModuleCount keeps the registered-modules gauge current.
func (e *Engine) watchModuleCount() {
	e.Bus.Subscribe("module.*", func(ctx context.Context, ev events.Event) error {
		e.Metrics.SetModulesRegistered(e.Registry.Count())
		return nil
	})
}

// Shutdown drains and unregisters every module. Drain timeouts are
// logged; shutdown proceeds past them.
func (e *Engine) Shutdown(ctx context.Context) {
	if e.holder != nil {
		e.holder.Stop()
	}
	for _, def := range e.Registry.List() {
		if err := e.Registry.Unregister(ctx, def.ID); err != nil {
			e.Logger.Warn().Err(err).Str("module_id", def.ID).Msg("unregister during shutdown")
		}
	}
	e.Logger.Info().Msg("engine shut down")
}
