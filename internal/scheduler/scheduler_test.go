package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/genepool/internal/governor"
	"github.com/sawpanic/genepool/internal/persistence/memory"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int32
	block   chan struct{}
	reports []governor.CycleReport
}

func (f *fakeRunner) RunCycle(ctx context.Context) (governor.CycleReport, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return governor.CycleReport{}, ctx.Err()
		}
	}
	return governor.CycleReport{Evaluated: 1}, nil
}

func TestStart_RejectsBadSpec(t *testing.T) {
	s := New(&fakeRunner{}, memory.NewScheduleLog(), "not a cron spec")
	assert.Error(t, s.Start())
}

func TestRunNow_SkipsOverlappingCycles(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := New(runner, memory.NewScheduleLog(), "@hourly")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunNow(context.Background())
	}()

	// Wait for the first run to be in flight.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.calls) == 1
	}, time.Second, 5*time.Millisecond)

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated, "overlapping run is skipped, not queued")
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.calls))

	close(runner.block)
	<-done
}

func TestAdjust_RecordsAuditTrail(t *testing.T) {
	audit := memory.NewScheduleLog()
	s := New(&fakeRunner{}, audit, "@hourly")
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Adjust(context.Background(), "@every 30m", "operator", "faster convergence wanted"))
	assert.Equal(t, "@every 30m", s.Spec())

	assert.Error(t, s.Adjust(context.Background(), "garbage", "operator", "typo"), "bad spec keeps the old schedule")
	assert.Equal(t, "@every 30m", s.Spec())

	entries, err := audit.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "@hourly", entries[0].PreviousSpec)
	assert.Equal(t, "@every 30m", entries[0].NewSpec)
	assert.Equal(t, "operator", entries[0].AdjustedBy)
}

func TestScheduledFiring(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, memory.NewScheduleLog(), "@every 100ms")
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.calls) >= 2
	}, 3*time.Second, 20*time.Millisecond)
}
