package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	rows    int64
	err     error
}

func (f *fakeStore) Cleanup(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.rows, f.err
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestRunOnceUsesDayAlignedCutoff(t *testing.T) {
	t.Parallel()

	store := &fakeStore{rows: 12}
	clock := fixedClock{now: time.Date(2025, 6, 30, 15, 4, 5, 0, time.UTC)}
	c, err := New(Config{Days: 30}, store, clock, nil)
	require.NoError(t, err)

	n, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 12, n)
	require.Equal(t, []time.Time{time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)}, store.cutoffs)
}

func TestRunOnceWrapsStoreErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("database is locked")
	c, err := New(Config{Days: 7}, &fakeStore{err: boom}, nil, nil)
	require.NoError(t, err)
	_, err = c.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Days: 30}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Days: 0}, &fakeStore{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Days: 30, Schedule: "every tuesday"}, &fakeStore{}, nil, nil)
	require.Error(t, err)

	c, err := New(Config{Days: 30}, &fakeStore{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSchedule, c.schedule)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Days: 30, Schedule: "@every 1h"}, &fakeStore{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	require.Len(t, c.cron.Entries(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}
