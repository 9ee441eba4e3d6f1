// Package resolver runs the per-item pipeline: normalize a raw name,
// find and decide candidates, then apply the resolution transactionally.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedup-cli/internal/match"
	"github.com/sells-group/dedup-cli/internal/model"
	"github.com/sells-group/dedup-cli/internal/normalizer"
	"github.com/sells-group/dedup-cli/internal/resilience"
	"github.com/sells-group/dedup-cli/internal/store"
)

// CandidateFinder yields candidates for one normalized key and its raw
// spelling.
type CandidateFinder interface {
	Find(ctx context.Context, keyForm, rawName string) ([]model.Candidate, error)
}

// Writer is the mutating slice of the store the resolver needs. Both
// methods are atomic on the store side.
type Writer interface {
	CreateCanonicalWithAlias(ctx context.Context, c model.CanonicalCompany, a model.Alias) error
	UpsertAlias(ctx context.Context, up store.AliasUpsert) error
}

// Config tunes the resolver.
type Config struct {
	Thresholds match.Thresholds
	// MaxCreateRetries bounds the retry-as-fresh-decision loop taken
	// when a concurrent create wins the key_form race. Default 3.
	MaxCreateRetries int
	Retry            resilience.RetryConfig
}

// Resolver resolves single observations. Safe for concurrent use.
type Resolver struct {
	norm    *normalizer.Normalizer
	finder  CandidateFinder
	writer  Writer
	cfg     Config
	breaker *resilience.CircuitBreaker
}

// New creates a Resolver. breaker may be nil to disable fail-fast.
func New(norm *normalizer.Normalizer, finder CandidateFinder, writer Writer, cfg Config, breaker *resilience.CircuitBreaker) *Resolver {
	if cfg.MaxCreateRetries <= 0 {
		cfg.MaxCreateRetries = 3
	}
	return &Resolver{norm: norm, finder: finder, writer: writer, cfg: cfg, breaker: breaker}
}

// Resolve processes one observation and always returns an Outcome; all
// failures are folded into the outcome's error taxonomy rather than
// returned separately.
func (r *Resolver) Resolve(ctx context.Context, obs model.Observation, now time.Time) model.Outcome {
	keyForm, err := r.norm.KeyForm(obs.RawName)
	if err != nil {
		return model.Outcome{
			RawName: obs.RawName,
			ErrKind: model.ErrKindInvalidInput,
			Err:     eris.Wrapf(err, "resolver: %q", obs.RawName),
		}
	}

	var lastConflict error
	for attempt := 0; attempt <= r.cfg.MaxCreateRetries; attempt++ {
		cands, err := r.findCandidates(ctx, keyForm, obs.RawName)
		if err != nil {
			return r.unavailable(obs, err)
		}

		dec := match.Decide(cands, r.cfg.Thresholds)
		switch dec.Kind {
		case match.DecideAmbiguous:
			return model.Outcome{
				Kind:       model.OutcomeFlagged,
				RawName:    obs.RawName,
				ErrKind:    model.ErrKindAmbiguous,
				Err:        eris.Errorf("resolver: %q matches %d rival candidates", obs.RawName, len(dec.Candidates)),
				Candidates: dec.Candidates,
			}

		case match.DecideAttach:
			outcome, err := r.attach(ctx, obs, dec, now)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// The winning canonical vanished under us; decide again.
					lastConflict = err
					continue
				}
				return r.unavailable(obs, err)
			}
			return outcome

		case match.DecideCreate:
			outcome, err := r.create(ctx, obs, keyForm, now)
			if err != nil {
				if errors.Is(err, store.ErrConflict) {
					// A concurrent create won the key_form race. The row
					// now exists, so re-run the decision against it.
					zap.L().Debug("create lost key_form race, re-deciding",
						zap.String("component", "resolver"),
						zap.String("key_form", keyForm),
						zap.Int("attempt", attempt+1))
					lastConflict = err
					continue
				}
				return r.unavailable(obs, err)
			}
			return outcome
		}
	}

	return model.Outcome{
		RawName: obs.RawName,
		ErrKind: model.ErrKindResolutionConflict,
		Err:     eris.Wrapf(lastConflict, "resolver: %q unresolved after %d attempts", obs.RawName, r.cfg.MaxCreateRetries+1),
	}
}

func (r *Resolver) findCandidates(ctx context.Context, keyForm, rawName string) ([]model.Candidate, error) {
	return resilience.DoVal(ctx, r.cfg.Retry, func(ctx context.Context) ([]model.Candidate, error) {
		if r.breaker == nil {
			return r.finder.Find(ctx, keyForm, rawName)
		}
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) ([]model.Candidate, error) {
			return r.finder.Find(ctx, keyForm, rawName)
		})
	})
}

// attach upserts the alias pair and refreshes the canonical's
// aggregates. The write runs on a context detached from cancellation so
// an in-flight item is never left half-applied.
func (r *Resolver) attach(ctx context.Context, obs model.Observation, dec match.Decision, now time.Time) (model.Outcome, error) {
	cand := dec.Candidate
	details, err := json.Marshal(model.AliasDetails{MatchType: dec.MatchType, Score: cand.Score})
	if err != nil {
		return model.Outcome{}, eris.Wrap(err, "resolver: marshal details")
	}

	up := store.AliasUpsert{
		CanonicalID: cand.CanonicalID,
		AliasName:   obs.RawName,
		Source:      obs.Source,
		Confidence:  cand.Score,
		Details:     details,
		Now:         now,
	}
	if err := r.write(ctx, func(ctx context.Context) error {
		return r.writer.UpsertAlias(ctx, up)
	}); err != nil {
		return model.Outcome{}, err
	}

	zap.L().Debug("alias attached",
		zap.String("component", "resolver"),
		zap.String("alias", obs.RawName),
		zap.String("canonical_id", cand.CanonicalID),
		zap.Float64("score", cand.Score))

	return model.Outcome{
		Kind:        model.OutcomeAttached,
		RawName:     obs.RawName,
		CanonicalID: cand.CanonicalID,
		Score:       cand.Score,
	}, nil
}

func (r *Resolver) create(ctx context.Context, obs model.Observation, keyForm string, now time.Time) (model.Outcome, error) {
	details, err := json.Marshal(model.AliasDetails{MatchType: "new", Score: 1.0})
	if err != nil {
		return model.Outcome{}, eris.Wrap(err, "resolver: marshal details")
	}

	canonical := model.CanonicalCompany{
		ID:            uuid.New().String(),
		CanonicalName: r.norm.Display(obs.RawName),
		KeyForm:       keyForm,
		FirstSeen:     now,
		LastSeen:      now,
		ConfidenceAvg: 1.0,
		AliasesCount:  1,
	}
	alias := model.Alias{
		ID:             uuid.New().String(),
		AliasName:      obs.RawName,
		CanonicalID:    canonical.ID,
		Source:         obs.Source,
		FirstSeen:      now,
		LastSeen:       now,
		ConfidenceLast: 1.0,
		Details:        details,
	}
	if err := r.write(ctx, func(ctx context.Context) error {
		return r.writer.CreateCanonicalWithAlias(ctx, canonical, alias)
	}); err != nil {
		return model.Outcome{}, err
	}

	zap.L().Debug("canonical created",
		zap.String("component", "resolver"),
		zap.String("canonical_name", canonical.CanonicalName),
		zap.String("key_form", keyForm))

	return model.Outcome{
		Kind:        model.OutcomeCreated,
		RawName:     obs.RawName,
		CanonicalID: canonical.ID,
		Score:       1.0,
	}, nil
}

// write applies one atomic store mutation with retry on transients,
// detached from the caller's cancellation.
func (r *Resolver) write(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	return resilience.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		if r.breaker == nil {
			return fn(ctx)
		}
		return r.breaker.Execute(ctx, fn)
	})
}

func (r *Resolver) unavailable(obs model.Observation, err error) model.Outcome {
	return model.Outcome{
		RawName: obs.RawName,
		ErrKind: model.ErrKindStoreUnavailable,
		Err:     eris.Wrapf(err, "resolver: store unavailable for %q", obs.RawName),
	}
}
