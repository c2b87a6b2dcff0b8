package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls  atomic.Int64
	rolled bool
	err    error
}

func (s *countingSweeper) Sweep(ctx context.Context) (bool, error) {
	if _, ok := ctx.Deadline(); !ok {
		return false, errors.New("sweep context must carry a deadline")
	}
	s.calls.Add(1)
	return s.rolled, s.err
}

func TestJobSchedulerRunsSweep(t *testing.T) {
	sweeper := &countingSweeper{rolled: true}
	scheduler, err := NewJobScheduler(Config{Sweeper: sweeper, Schedule: "@every 1s"})
	require.NoError(t, err)

	scheduler.Start()
	defer scheduler.Stop()

	assert.False(t, scheduler.NextRun().IsZero())
	assert.Eventually(t, func() bool {
		return sweeper.calls.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestJobSchedulerRunToleratesErrors(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("database locked")}
	scheduler, err := NewJobScheduler(Config{Sweeper: sweeper, Schedule: "*/5 * * * *"})
	require.NoError(t, err)

	scheduler.Run()
	scheduler.Run()
	assert.Equal(t, int64(2), sweeper.calls.Load())
}

func TestJobSchedulerAcceptsSecondsField(t *testing.T) {
	testCases := []struct {
		name     string
		schedule string
	}{
		{name: "single-spaced", schedule: "*/10 * * * * *"},
		{name: "multi-spaced", schedule: "*/10  *  * * *\t*"},
		{name: "padded", schedule: "  */10 * * * * *  "},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			scheduler, err := NewJobScheduler(Config{Sweeper: &countingSweeper{}, Schedule: testCase.schedule})
			require.NoError(t, err)
			scheduler.Start()
			defer scheduler.Stop()
			assert.Eventually(t, func() bool {
				return !scheduler.NextRun().IsZero()
			}, time.Second, 10*time.Millisecond)
			assert.WithinDuration(t, time.Now(), scheduler.NextRun(), 11*time.Second)
		})
	}
}

func TestNewJobSchedulerValidation(t *testing.T) {
	_, err := NewJobScheduler(Config{Schedule: "@every 30s"})
	require.ErrorIs(t, err, errMissingSweeper)

	_, err = NewJobScheduler(Config{Sweeper: &countingSweeper{}, Schedule: "not a schedule"})
	require.Error(t, err)
}
