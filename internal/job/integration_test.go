package job

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedup-cli/internal/match"
	"github.com/sells-group/dedup-cli/internal/model"
	"github.com/sells-group/dedup-cli/internal/normalizer"
	"github.com/sells-group/dedup-cli/internal/resilience"
	"github.com/sells-group/dedup-cli/internal/resolver"
	"github.com/sells-group/dedup-cli/internal/store"
)

func newSQLiteController(t *testing.T, workers int) (*Controller, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dedup_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	norm := normalizer.New(normalizer.DefaultRuleset())
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 1

	res := resolver.New(
		norm,
		match.NewFinder(st, 5),
		st,
		resolver.Config{
			Thresholds: match.Thresholds{Attach: 0.85, Ambiguous: 0.60, Margin: 0.05},
			Retry:      retry,
		},
		nil,
	)

	return NewController(st, res, workers, 0), st
}

// Two batches racing on the same brand-new name: exactly one create may
// win the key_form constraint, the loser must re-decide and attach.
// Run with -race.
func TestProcess_ConcurrentBatchesConvergeOnOneCanonical(t *testing.T) {
	c, st := newSQLiteController(t, 2)
	ctx := context.Background()

	run1, err := c.Submit(ctx, []model.Observation{{RawName: "Zeta Corp", Source: "crm"}})
	require.NoError(t, err)
	run2, err := c.Submit(ctx, []model.Observation{{RawName: "Zeta Corp", Source: "web"}})
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	finals := make([]*model.JobRun, 2)
	errs := make([]error, 2)
	for i, id := range []string{run1.ID, run2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			finals[i], errs[i] = c.Process(ctx, id)
		}(i, id)
	}
	close(start)
	wg.Wait()

	for i := range finals {
		require.NoError(t, errs[i])
		require.NotNil(t, finals[i])
		assert.Equal(t, model.JobStatusDone, finals[i].Status)
		assert.Equal(t, 1, finals[i].SuccessCount)
		assert.Equal(t, 0, finals[i].ErrorCount)
	}

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Canonicals)
	assert.Equal(t, 1, stats.Aliases)

	canon, err := st.GetCanonicalByKeyForm(ctx, "zeta")
	require.NoError(t, err)
	require.NotNil(t, canon)
	assert.Equal(t, 1, canon.AliasesCount)
}

// Distinct spellings of one new company submitted concurrently still
// yield a single canonical, with each spelling kept as an alias.
func TestProcess_ConcurrentSpellingsShareCanonical(t *testing.T) {
	c, st := newSQLiteController(t, 2)
	ctx := context.Background()

	run1, err := c.Submit(ctx, []model.Observation{{RawName: "Omega Logistics LLC", Source: "crm"}})
	require.NoError(t, err)
	run2, err := c.Submit(ctx, []model.Observation{{RawName: "Omega Logistics, Inc.", Source: "web"}})
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{run1.ID, run2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			_, errs[i] = c.Process(ctx, id)
		}(i, id)
	}
	close(start)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Canonicals)
	assert.Equal(t, 2, stats.Aliases)
}
