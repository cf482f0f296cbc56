package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	calls  atomic.Int32
	maxAge time.Duration
	err    error
}

func (f *fakeCleaner) CleanupExpired(_ context.Context, olderThan time.Duration) (int, error) {
	f.calls.Add(1)
	f.maxAge = olderThan
	return 2, f.err
}

type fakeBackuper struct {
	calls atomic.Int32
}

func (f *fakeBackuper) Run(context.Context) error {
	f.calls.Add(1)
	return nil
}

func TestAddRejectsInvalidSpec(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Add("bad", "not a cron spec", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Empty(t, s.Jobs())
}

func TestAddRejectsDuplicateName(t *testing.T) {
	s := New(zerolog.Nop())
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add("job", "@hourly", noop))
	assert.Error(t, s.Add("job", "@daily", noop))
}

func TestRetentionJob(t *testing.T) {
	s := New(zerolog.Nop())
	cleaner := &fakeCleaner{}
	require.NoError(t, s.AddRetention("0 4 * * *", cleaner, 90*24*time.Hour))

	require.NoError(t, s.RunNow(context.Background(), JobRetention))
	assert.Equal(t, int32(1), cleaner.calls.Load())
	assert.Equal(t, 90*24*time.Hour, cleaner.maxAge)

	cleaner.err = errors.New("boom")
	assert.EqualError(t, s.RunNow(context.Background(), JobRetention), "boom")
}

func TestRunNowUnknownJob(t *testing.T) {
	s := New(zerolog.Nop())
	assert.Error(t, s.RunNow(context.Background(), JobBackup))
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(zerolog.Nop())
	b := &fakeBackuper{}
	require.NoError(t, s.AddBackup("@every 1s", b))
	assert.Equal(t, []string{JobBackup}, s.Jobs())

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return b.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestPanickingJobIsRecovered(t *testing.T) {
	s := New(zerolog.Nop())
	var ran atomic.Bool
	require.NoError(t, s.Add("panics", "@every 1s", func(context.Context) error {
		ran.Store(true)
		panic("job exploded")
	}))

	s.Start()
	assert.Eventually(t, ran.Load, 5*time.Second, 50*time.Millisecond)
	s.Stop()
}
