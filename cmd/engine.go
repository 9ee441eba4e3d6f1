package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dedup-cli/internal/export"
	"github.com/sells-group/dedup-cli/internal/job"
	"github.com/sells-group/dedup-cli/internal/match"
	"github.com/sells-group/dedup-cli/internal/normalizer"
	"github.com/sells-group/dedup-cli/internal/resilience"
	"github.com/sells-group/dedup-cli/internal/resolver"
	"github.com/sells-group/dedup-cli/internal/store"
)

// engine bundles the wired components behind one lifecycle.
type engine struct {
	store      store.Store
	norm       *normalizer.Normalizer
	controller *job.Controller
	exporter   *export.Exporter
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "dedup.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initNormalizer() (*normalizer.Normalizer, error) {
	rules := normalizer.DefaultRuleset()
	if cfg.Normalizer.RulesPath != "" {
		loaded, err := normalizer.LoadRules(cfg.Normalizer.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	return normalizer.New(rules), nil
}

// initEngine wires store, normalizer, matcher, resolver, controller,
// and exporter from the loaded config. Caller owns Close.
func initEngine(ctx context.Context) (*engine, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	norm, err := initNormalizer()
	if err != nil {
		st.Close()
		return nil, err
	}

	retryCfg := resilience.FromRetryConfig(
		cfg.Resilience.MaxAttempts,
		cfg.Resilience.InitialBackoffMs,
		cfg.Resilience.MaxBackoffMs,
		cfg.Resilience.Multiplier,
		cfg.Resilience.JitterFraction,
	)
	retryCfg.OnRetry = resilience.RetryLogger("resolver", "store call")

	breakerCfg := resilience.FromCircuitConfig(cfg.Resilience.BreakerThreshold, cfg.Resilience.BreakerResetSecs)
	breakerCfg.ShouldTrip = resilience.IsTransient
	breaker := resilience.NewCircuitBreaker(breakerCfg)

	res := resolver.New(
		norm,
		match.NewFinder(st, cfg.Match.CandidateLimit),
		st,
		resolver.Config{
			Thresholds: match.Thresholds{
				Attach:    cfg.Match.ThresholdAttach,
				Ambiguous: cfg.Match.ThresholdAmbiguous,
				Margin:    cfg.Match.AmbiguityMargin,
			},
			MaxCreateRetries: cfg.Match.MaxCreateRetries,
			Retry:            retryCfg,
		},
		breaker,
	)

	return &engine{
		store:      st,
		norm:       norm,
		controller: job.NewController(st, res, cfg.Batch.Workers, cfg.Batch.RateLimit),
		exporter:   export.New(st),
	}, nil
}

func (e *engine) Close() {
	_ = e.store.Close()
}
