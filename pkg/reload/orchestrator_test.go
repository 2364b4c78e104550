package reload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmu/mucp/pkg/generation"
	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/telemetry"
)

// fakeRuntime scripts its Stop behavior and records whether it was stopped.
type fakeRuntime struct {
	stopErr error

	mu      sync.Mutex
	stopped bool
}

func (f *fakeRuntime) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return f.stopErr
}

func (f *fakeRuntime) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// eventRecorder collects telemetry events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestOrchestrator_SuccessfulReload(t *testing.T) {
	sup := generation.NewSupervisor("mucp")
	metrics := telemetry.New()
	old := &fakeRuntime{}
	next := &fakeRuntime{}
	o := NewOrchestrator(sup, FactoryFunc(func(_ context.Context) (Runtime, error) {
		return next, nil
	}), old, metrics)
	rec := &eventRecorder{}
	o.SetEventSink(rec.record)

	result := o.Reload(context.Background(), "config change")
	require.NoError(t, result.Err)

	assert.Equal(t, models.ReloadStateCompleted, result.Attempt.State)
	assert.Equal(t, "mucp-gen-1", result.ActiveGeneration.GenerationID)
	assert.True(t, old.wasStopped())
	assert.Same(t, next, o.Runtime())
	assert.Equal(t, []string{
		EventWarmupStart, EventWarmupComplete,
		EventCutoverStart, EventCutoverComplete,
		EventDrainStart, EventDrainComplete, EventRollbackSkipped,
	}, rec.all())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadSuccessTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadDrainDurationSamplesTotal))

	// A second reload targets the next generation.
	result = o.Reload(context.Background(), "again")
	require.NoError(t, result.Err)
	assert.Equal(t, "mucp-gen-2", result.ActiveGeneration.GenerationID)
}

func TestOrchestrator_WarmupFailure(t *testing.T) {
	sup := generation.NewSupervisor("mucp")
	metrics := telemetry.New()
	old := &fakeRuntime{}
	o := NewOrchestrator(sup, FactoryFunc(func(_ context.Context) (Runtime, error) {
		return nil, errors.New("bad config")
	}), old, metrics)
	rec := &eventRecorder{}
	o.SetEventSink(rec.record)

	result := o.Reload(context.Background(), "config change")
	require.Error(t, result.Err)

	// Warmup failure happens before cutover: the old runtime keeps serving
	// and was never stopped.
	assert.Equal(t, models.ReloadStateFailed, result.Attempt.State)
	assert.Equal(t, "mucp-gen-0", result.ActiveGeneration.GenerationID)
	assert.False(t, old.wasStopped())
	assert.Same(t, old, o.Runtime())
	assert.Equal(t, []string{EventWarmupStart, EventWarmupFailed}, rec.all())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadFailureTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ReloadDrainDurationSamplesTotal))
}

func TestOrchestrator_DrainFailureRollsBack(t *testing.T) {
	sup := generation.NewSupervisor("mucp")
	metrics := telemetry.New()
	old := &fakeRuntime{stopErr: errors.New("stuck worker")}
	next := &fakeRuntime{}
	o := NewOrchestrator(sup, FactoryFunc(func(_ context.Context) (Runtime, error) {
		return next, nil
	}), old, metrics)
	rec := &eventRecorder{}
	o.SetEventSink(rec.record)

	result := o.Reload(context.Background(), "config change")
	require.Error(t, result.Err)

	// Cutover promoted gen-1, then the drain failure rolled gen-0 back.
	assert.Equal(t, models.ReloadStateFailed, result.Attempt.State)
	assert.Equal(t, "mucp-gen-0", result.ActiveGeneration.GenerationID)
	assert.Same(t, old, o.Runtime())
	assert.True(t, next.wasStopped())
	assert.Equal(t, []string{
		EventWarmupStart, EventWarmupComplete,
		EventCutoverStart, EventCutoverComplete,
		EventDrainStart, EventDrainFailed,
		EventRollbackStart, EventRollbackComplete,
	}, rec.all())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadFailureTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadDrainDurationSamplesTotal))

	// A failed attempt never advances the sequence: the retry targets gen-1
	// again.
	begin := sup.BeginReload("retry")
	assert.False(t, begin.Coalesced)
	assert.Equal(t, "mucp-gen-1", begin.Attempt.ToGeneration.GenerationID)
}

// blockingRuntime parks in Stop until released, signalling first entry.
type blockingRuntime struct {
	fakeRuntime
	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func (b *blockingRuntime) Stop(ctx context.Context) error {
	b.enterOnce.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeRuntime.Stop(ctx)
}

func TestOrchestrator_ForceRollbackWithoutPendingAttempt(t *testing.T) {
	sup := generation.NewSupervisor("mucp")
	o := NewOrchestrator(sup, FactoryFunc(func(_ context.Context) (Runtime, error) {
		return &fakeRuntime{}, nil
	}), &fakeRuntime{}, nil)

	_, err := o.ForceRollback()
	assert.ErrorIs(t, err, ErrNoPendingReload)
}

func TestOrchestrator_ForceRollbackDuringWarmup(t *testing.T) {
	sup := generation.NewSupervisor("mucp")
	metrics := telemetry.New()
	old := &fakeRuntime{}
	next := &fakeRuntime{}
	warming := make(chan struct{})
	release := make(chan struct{})
	o := NewOrchestrator(sup, FactoryFunc(func(_ context.Context) (Runtime, error) {
		close(warming)
		<-release
		return next, nil
	}), old, metrics)

	done := make(chan Result, 1)
	go func() { done <- o.Reload(context.Background(), "stuck warmup") }()
	<-warming

	finished, err := o.ForceRollback()
	require.NoError(t, err)
	assert.Equal(t, models.ReloadStateFailed, finished.State)
	assert.Equal(t, "mucp-gen-0", sup.ActiveGeneration().GenerationID)

	// The attempt is gone, so a second rollback has nothing to act on.
	_, err = o.ForceRollback()
	assert.ErrorIs(t, err, ErrNoPendingReload)

	// When the warmup finally returns, the replacement runtime is discarded
	// without ever serving and the caller observes the forced outcome.
	close(release)
	result := <-done
	require.ErrorIs(t, result.Err, ErrRolledBack)
	assert.Equal(t, finished.AttemptID, result.Attempt.AttemptID)
	assert.Same(t, old, o.Runtime())
	assert.False(t, old.wasStopped())
	assert.True(t, next.wasStopped())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadFailureTotal))
}

func TestOrchestrator_ForceRollbackDuringDrain(t *testing.T) {
	sup := generation.NewSupervisor("mucp")
	metrics := telemetry.New()
	old := &blockingRuntime{entered: make(chan struct{}), release: make(chan struct{})}
	next := &fakeRuntime{}
	o := NewOrchestrator(sup, FactoryFunc(func(_ context.Context) (Runtime, error) {
		return next, nil
	}), old, metrics)
	rec := &eventRecorder{}
	o.SetEventSink(rec.record)

	done := make(chan Result, 1)
	go func() { done <- o.Reload(context.Background(), "stuck drain") }()
	<-old.entered // cutover happened, gen-1 active, drain is hanging

	finished, err := o.ForceRollback()
	require.NoError(t, err)
	assert.Equal(t, models.ReloadStateFailed, finished.State)
	assert.Equal(t, "mucp-gen-0", sup.ActiveGeneration().GenerationID)
	assert.Same(t, old, o.Runtime())

	close(old.release)
	result := <-done
	require.ErrorIs(t, result.Err, ErrRolledBack)
	assert.True(t, next.wasStopped())
	assert.Equal(t, []string{
		EventWarmupStart, EventWarmupComplete,
		EventCutoverStart, EventCutoverComplete,
		EventDrainStart,
		EventRollbackStart, EventRollbackComplete,
	}, rec.all())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadFailureTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadDrainDurationSamplesTotal))

	// A failed attempt never advances the sequence.
	begin := sup.BeginReload("retry")
	assert.Equal(t, "mucp-gen-1", begin.Attempt.ToGeneration.GenerationID)
}

func TestOrchestrator_ForcedRollbackSuccessorKeepsSingleExecution(t *testing.T) {
	sup := generation.NewSupervisor("mucp")
	metrics := telemetry.New()
	old := &blockingRuntime{entered: make(chan struct{}), release: make(chan struct{})}
	var builds atomic.Int32
	warm2Entered := make(chan struct{})
	warm2Release := make(chan struct{})
	o := NewOrchestrator(sup, FactoryFunc(func(_ context.Context) (Runtime, error) {
		if builds.Add(1) == 2 {
			close(warm2Entered)
			<-warm2Release
		}
		return &fakeRuntime{}, nil
	}), old, metrics)

	first := make(chan Result, 1)
	go func() { first <- o.Reload(context.Background(), "first") }()
	<-old.entered // cutover done, drain hanging

	_, err := o.ForceRollback()
	require.NoError(t, err)

	// The forced attempt is finished, so a fresh reload starts a new attempt
	// while the first one is still draining.
	second := make(chan Result, 1)
	go func() { second <- o.Reload(context.Background(), "second") }()
	<-warm2Entered

	// The first reload returns now; its cleanup must not disturb the second
	// attempt's bookkeeping.
	close(old.release)
	result1 := <-first
	require.ErrorIs(t, result1.Err, ErrRolledBack)

	// A third caller coalesces onto the second attempt instead of starting
	// another execution of it.
	third := make(chan Result, 1)
	go func() { third <- o.Reload(context.Background(), "third") }()
	time.Sleep(20 * time.Millisecond)

	close(warm2Release)
	result2 := <-second
	result3 := <-third
	require.NoError(t, result2.Err)
	require.NoError(t, result3.Err)
	assert.False(t, result2.Coalesced)
	assert.True(t, result3.Coalesced)
	assert.Equal(t, result2.Attempt.AttemptID, result3.Attempt.AttemptID)
	assert.Equal(t, int32(2), builds.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadDuplicateSignalTotal))
}

func TestOrchestrator_OverlappingReloadsCoalesce(t *testing.T) {
	sup := generation.NewSupervisor("mucp")
	metrics := telemetry.New()
	release := make(chan struct{})
	warming := make(chan struct{})
	o := NewOrchestrator(sup, FactoryFunc(func(_ context.Context) (Runtime, error) {
		close(warming)
		<-release
		return &fakeRuntime{}, nil
	}), &fakeRuntime{}, metrics)

	var first, second Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		first = o.Reload(context.Background(), "first")
	}()
	go func() {
		defer wg.Done()
		<-warming // the first reload is mid-warmup
		second = o.Reload(context.Background(), "second")
	}()

	// Let the coalescing call park on the in-flight attempt, then release.
	<-warming
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.False(t, first.Coalesced)
	assert.True(t, second.Coalesced)
	assert.Equal(t, first.Attempt.AttemptID, second.Attempt.AttemptID)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadDuplicateSignalTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReloadSuccessTotal))
}
