package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedup-cli/internal/model"
	"github.com/sells-group/dedup-cli/internal/store"
)

// memJobStore is an in-memory Store with the same state-machine guards
// as the real backends.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.JobRun
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]*model.JobRun{}}
}

func (m *memJobStore) CreateJob(_ context.Context, inputCount int) (*model.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &model.JobRun{
		ID:         uuid.New().String(),
		Status:     model.JobStatusQueued,
		InputCount: inputCount,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	m.jobs[run.ID] = run
	cp := *run
	return &cp, nil
}

func (m *memJobStore) GetJob(_ context.Context, id string) (*model.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (m *memJobStore) ListJobs(_ context.Context, filter store.JobFilter) ([]model.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JobRun
	for _, run := range m.jobs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, *run)
	}
	return out, nil
}

func (m *memJobStore) MarkJobRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if run.Status != model.JobStatusQueued {
		return store.ErrConflict
	}
	run.Status = model.JobStatusRunning
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memJobStore) IncrementJobCounters(_ context.Context, id string, sd, ed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.SuccessCount += sd
	run.ErrorCount += ed
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memJobStore) FinalizeJob(_ context.Context, id string, status model.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if run.Status.Terminal() {
		return store.ErrConflict
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// scriptedResolver returns canned outcomes keyed by raw name.
type scriptedResolver struct {
	mu       sync.Mutex
	outcomes map[string]model.Outcome
	onItem   func(raw string)
	calls    []string
}

func (r *scriptedResolver) Resolve(_ context.Context, obs model.Observation, _ time.Time) model.Outcome {
	r.mu.Lock()
	r.calls = append(r.calls, obs.RawName)
	r.mu.Unlock()
	if r.onItem != nil {
		r.onItem(obs.RawName)
	}
	if out, ok := r.outcomes[obs.RawName]; ok {
		out.RawName = obs.RawName
		return out
	}
	return model.Outcome{Kind: model.OutcomeCreated, RawName: obs.RawName, Score: 1.0}
}

func obsBatch(names ...string) []model.Observation {
	out := make([]model.Observation, 0, len(names))
	for _, n := range names {
		out = append(out, model.Observation{RawName: n, Source: "test"})
	}
	return out
}

func TestController_SubmitEmptyBatch(t *testing.T) {
	c := NewController(newMemJobStore(), &scriptedResolver{}, 2, 0)
	_, err := c.Submit(context.Background(), nil)
	require.Error(t, err)
}

func TestController_AllItemsSucceedIsDone(t *testing.T) {
	s := newMemJobStore()
	c := NewController(s, &scriptedResolver{}, 2, 0)

	run, err := c.Submit(context.Background(), obsBatch("Acme Inc.", "ACME INCORPORATED", "Beta LLC"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, run.Status)
	assert.Equal(t, 3, run.InputCount)

	final, err := c.Process(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, final.Status)
	assert.Equal(t, 3, final.SuccessCount)
	assert.Equal(t, 0, final.ErrorCount)
}

func TestController_MixedOutcomesIsPartial(t *testing.T) {
	s := newMemJobStore()
	r := &scriptedResolver{outcomes: map[string]model.Outcome{
		"Ambiguous Co": {Kind: model.OutcomeFlagged, ErrKind: model.ErrKindAmbiguous},
	}}
	c := NewController(s, r, 2, 0)

	run, err := c.Submit(context.Background(), obsBatch("Acme Inc.", "Ambiguous Co", "Beta LLC"))
	require.NoError(t, err)

	final, err := c.Process(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPartial, final.Status)
	assert.Equal(t, 2, final.SuccessCount)
	assert.Equal(t, 1, final.ErrorCount)
	assert.Equal(t, final.InputCount, final.SuccessCount+final.ErrorCount)
}

func TestController_TotalFailureIsFailed(t *testing.T) {
	s := newMemJobStore()
	r := &scriptedResolver{outcomes: map[string]model.Outcome{
		"a": {ErrKind: model.ErrKindInvalidInput},
		"b": {ErrKind: model.ErrKindResolutionConflict},
	}}
	c := NewController(s, r, 2, 0)

	run, err := c.Submit(context.Background(), obsBatch("a", "b"))
	require.NoError(t, err)

	final, err := c.Process(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, 0, final.SuccessCount)
	assert.Equal(t, 2, final.ErrorCount)
}

func TestController_FatalOutcomeAbortsBatch(t *testing.T) {
	s := newMemJobStore()
	r := &scriptedResolver{outcomes: map[string]model.Outcome{
		"down": {ErrKind: model.ErrKindStoreUnavailable, Err: eris.New("store gone")},
	}}
	c := NewController(s, r, 1, 0)

	run, err := c.Submit(context.Background(), obsBatch("ok-1", "down", "never-1", "never-2"))
	require.NoError(t, err)

	_, err = c.Process(context.Background(), run.ID)
	require.Error(t, err)

	final, err := s.GetJob(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	// The item that succeeded before the abort keeps its counter.
	assert.Equal(t, 1, final.SuccessCount)
	assert.LessOrEqual(t, final.SuccessCount+final.ErrorCount, final.InputCount)
}

func TestController_CancelMidBatch(t *testing.T) {
	s := newMemJobStore()
	c := NewController(s, nil, 1, 0)

	var once sync.Once
	r := &scriptedResolver{}
	r.onItem = func(string) {
		once.Do(func() {
			require.NoError(t, c.Cancel(context.Background(), currentJobID(t, s)))
		})
	}
	c.resolver = r

	run, err := c.Submit(context.Background(), obsBatch("first", "second", "third"))
	require.NoError(t, err)

	final, err := c.Process(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	// The first item completed its atomic write before cancellation.
	assert.Equal(t, 1, final.SuccessCount)
	assert.LessOrEqual(t, final.SuccessCount+final.ErrorCount, final.InputCount)
	assert.Less(t, final.SuccessCount+final.ErrorCount, final.InputCount)
}

func TestController_CancelQueuedJob(t *testing.T) {
	s := newMemJobStore()
	c := NewController(s, &scriptedResolver{}, 2, 0)

	run, err := c.Submit(context.Background(), obsBatch("Acme Inc."))
	require.NoError(t, err)

	require.NoError(t, c.Cancel(context.Background(), run.ID))

	got, err := s.GetJob(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)

	// The batch is gone; processing it now is an unknown-job error.
	_, err = c.Process(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestController_CancelUnknownJob(t *testing.T) {
	c := NewController(newMemJobStore(), &scriptedResolver{}, 2, 0)
	err := c.Cancel(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestController_ProcessTwiceFails(t *testing.T) {
	s := newMemJobStore()
	c := NewController(s, &scriptedResolver{}, 2, 0)

	run, err := c.Submit(context.Background(), obsBatch("Acme Inc."))
	require.NoError(t, err)

	_, err = c.Process(context.Background(), run.ID)
	require.NoError(t, err)

	_, err = c.Process(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestController_RateLimiterStillCompletes(t *testing.T) {
	s := newMemJobStore()
	c := NewController(s, &scriptedResolver{}, 2, 1000)

	run, err := c.Submit(context.Background(), obsBatch("a", "b", "c", "d"))
	require.NoError(t, err)

	final, err := c.Process(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDone, final.Status)
	assert.Equal(t, 4, final.SuccessCount)
}

// currentJobID returns the id of the single running job in the store.
func currentJobID(t *testing.T, s *memJobStore) string {
	t.Helper()
	runs, err := s.ListJobs(context.Background(), store.JobFilter{Status: model.JobStatusRunning})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0].ID
}
