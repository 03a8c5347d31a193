package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleNextRun(t *testing.T) {
	now := time.Date(2024, 12, 25, 14, 30, 0, 0, time.UTC)

	t.Run("cron expression", func(t *testing.T) {
		next, err := Cron("0 3 * * *").NextRun(now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 12, 26, 3, 0, 0, 0, time.UTC), next)
	})

	t.Run("descriptor", func(t *testing.T) {
		next, err := Cron("@hourly").NextRun(now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 12, 25, 15, 0, 0, 0, time.UTC), next)
	})

	t.Run("every", func(t *testing.T) {
		next, err := Every(90 * time.Second).NextRun(now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(90*time.Second), next)
	})

	t.Run("timezone", func(t *testing.T) {
		s := Schedule{Kind: KindCron, Expr: "0 3 * * *", TZ: "UTC"}
		next, err := s.NextRun(now)
		require.NoError(t, err)
		assert.Equal(t, 3, next.UTC().Hour())
	})
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
		want  string
	}{
		{"empty expr", Schedule{Kind: KindCron}, "requires 'expr'"},
		{"bad expr", Cron("not a cron"), "invalid cron expression"},
		{"six fields", Cron("0 0 3 * * *"), "invalid cron expression"},
		{"bad tz", Schedule{Kind: KindCron, Expr: "0 3 * * *", TZ: "Mars/Olympus"}, "invalid timezone"},
		{"short interval", Every(10 * time.Millisecond), "at least 1s"},
		{"unknown kind", Schedule{Kind: "at"}, "unknown schedule kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Cron("*/5 * * * *").Validate())
}

func TestScheduleString(t *testing.T) {
	assert.Equal(t, "0 3 * * *", Cron("0 3 * * *").String())
	assert.Equal(t, "@every 1m0s", Every(time.Minute).String())
	assert.Equal(t, "CRON_TZ=UTC 0 3 * * *", Schedule{Kind: KindCron, Expr: "0 3 * * *", TZ: "UTC"}.String())
}

type recorder struct {
	mu     sync.Mutex
	stores []string
	events []Event
	err    error
}

func (r *recorder) trigger(_ context.Context, store string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores = append(r.stores, store)
	return r.err
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func newScheduler(t *testing.T, r *recorder) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Trigger: r.trigger,
		OnEvent: func(e Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestNewRequiresTrigger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestAddAndJobs(t *testing.T) {
	s := newScheduler(t, &recorder{})

	a, err := s.Add("main", Cron("0 3 * * *"))
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.State.NextRun.IsZero())

	_, err = s.Add("modified", Every(time.Hour))
	require.NoError(t, err)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "main", jobs[0].Store)
	assert.Equal(t, "modified", jobs[1].Store)

	got, ok := s.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, a.Schedule, got.Schedule)

	_, err = s.Add("main", Cron("bogus"))
	assert.Error(t, err)
	_, err = s.Add("", Cron("0 3 * * *"))
	assert.Error(t, err)
}

func TestClearAndReplace(t *testing.T) {
	s := newScheduler(t, &recorder{})

	a, err := s.Add("main", Cron("0 3 * * *"))
	require.NoError(t, err)
	s.Clear()
	assert.Empty(t, s.Jobs())
	_, ok := s.Get(a.ID)
	assert.False(t, ok)
	_, err = s.RunNow(a.ID)
	assert.Error(t, err)

	_, err = s.Add("main", Cron("0 3 * * *"))
	require.NoError(t, err)
	_, err = s.Add("modified", Cron("0 4 * * *"))
	require.NoError(t, err)

	b, err := s.Replace("main", Cron("30 2 * * *"))
	require.NoError(t, err)
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, b.ID, jobs[0].ID)
	assert.Equal(t, "30 2 * * *", jobs[0].Schedule.Expr)

	_, err = s.Replace("main", Cron("bogus"))
	assert.Error(t, err)
	assert.Len(t, s.Jobs(), 1, "invalid replacement keeps existing jobs")
}

func TestRunNowRecordsState(t *testing.T) {
	r := &recorder{}
	s := newScheduler(t, r)
	j, err := s.Add("main", Cron("0 3 * * *"))
	require.NoError(t, err)

	evt, err := s.RunNow(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, evt.Status)

	r.setErr(errors.New("boom"))
	evt, err = s.RunNow(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, evt.Status)
	_, _ = s.RunNow(j.ID)

	got, _ := s.Get(j.ID)
	assert.Equal(t, StatusError, got.State.LastStatus)
	assert.Equal(t, "boom", got.State.LastError)
	assert.Equal(t, 2, got.State.ConsecutiveErrors)
	assert.False(t, got.State.LastRun.IsZero())
	assert.False(t, got.State.Running)

	r.setErr(fmt.Errorf("refresh main: %w", outcome.ErrAlreadyInProgress))
	evt, _ = s.RunNow(j.ID)
	assert.Equal(t, StatusSkipped, evt.Status)
	got, _ = s.Get(j.ID)
	assert.Equal(t, 2, got.State.ConsecutiveErrors, "skips do not reset the error streak")

	r.setErr(nil)
	_, _ = s.RunNow(j.ID)
	got, _ = s.Get(j.ID)
	assert.Zero(t, got.State.ConsecutiveErrors)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []string{"main", "main", "main", "main", "main"}, r.stores)
	assert.Len(t, r.events, 5)

	_, err = s.RunNow("missing")
	assert.Error(t, err)
}

func TestOverlappingRunSkipped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	s, err := New(Config{
		Trigger: func(ctx context.Context, _ string) error {
			close(entered)
			<-release
			return nil
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	j, err := s.Add("main", Cron("0 3 * * *"))
	require.NoError(t, err)

	first := make(chan Event, 1)
	go func() {
		evt, _ := s.RunNow(j.ID)
		first <- evt
	}()
	<-entered

	evt, err := s.RunNow(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, evt.Status)

	close(release)
	assert.Equal(t, StatusOK, (<-first).Status)
}

func TestStopCancelsTrigger(t *testing.T) {
	entered := make(chan struct{})
	s, err := New(Config{
		Trigger: func(ctx context.Context, _ string) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	j, err := s.Add("main", Cron("0 3 * * *"))
	require.NoError(t, err)
	s.Start()

	done := make(chan Event, 1)
	go func() {
		evt, _ := s.RunNow(j.ID)
		done <- evt
	}()
	<-entered

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StatusError, (<-done).Status)
	assert.NoError(t, s.Stop(context.Background()))

	_, err = s.Add("main", Cron("0 3 * * *"))
	assert.Error(t, err)
}
