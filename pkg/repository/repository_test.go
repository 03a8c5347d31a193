package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/theatreblood/pkg/connectivity"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/mutation"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/harun/theatreblood/pkg/refresh"
	"github.com/harun/theatreblood/pkg/remote"
	"github.com/harun/theatreblood/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(typ string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newRepo(t *testing.T, src remote.Source) (*Repository, *eventLog) {
	t.Helper()
	reg, err := store.NewRegistry(store.Config{
		DataDir: t.TempDir(),
		Names:   []string{"main", "modified", "inserted"},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	repo, err := New(Config{
		Registry:     reg,
		Source:       src,
		Request:      remote.Request{APIKey: "k", Language: "en", Page: 13},
		SearchStores: []string{"modified", "inserted", "main"},
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, repo.Open())
	t.Cleanup(func() { _ = repo.Close() })

	log := &eventLog{}
	repo.Subscribe(log.add)
	return repo, log
}

func collection() remote.Collection {
	return remote.Collection{
		Donors: []donor.Donor{
			{ID: "d1", LastName: "Smith", FirstName: "John", DOB: "1980-01-02"},
			{ID: "d2", LastName: "Jones", FirstName: "Ann", DOB: "1975-05-06"},
		},
		Products: [][]donor.Product{{{ID: "p1"}}, {}},
	}
}

func staticSource(c remote.Collection) remote.Source {
	return remote.SourceFunc(func(context.Context, remote.Request) (remote.Collection, error) {
		return c, nil
	})
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRefreshPublishesLiveDonors(t *testing.T) {
	repo, log := newRepo(t, staticSource(collection()))

	res, err := repo.RefreshAndWait(context.Background(), "main")
	require.NoError(t, err)
	repo.Flush()

	assert.Len(t, res.Donors, 2)
	live := repo.LiveDonors()
	require.Len(t, live, 2)
	assert.Equal(t, "d1", live[0].ID)
	assert.Equal(t, refresh.Succeeded, repo.RefreshState("main"))

	ok := log.ofType(EventRefreshSucceeded)
	require.Len(t, ok, 1)
	assert.Equal(t, "main", ok[0].Store)
	assert.Equal(t, 2, ok[0].Donors)
	assert.Equal(t, 1, ok[0].Products)
	assert.NotEmpty(t, ok[0].RunID)

	states := log.ofType(EventRefreshState)
	require.NotEmpty(t, states)
	assert.Equal(t, "backing_up", states[0].State)
	assert.Equal(t, "succeeded", states[len(states)-1].State)
}

func TestRefreshFailurePublishesError(t *testing.T) {
	src := remote.SourceFunc(func(context.Context, remote.Request) (remote.Collection, error) {
		return remote.Collection{}, errors.New("unreachable")
	})
	repo, log := newRepo(t, src)

	_, err := repo.RefreshAndWait(context.Background(), "main")
	assert.ErrorIs(t, err, outcome.ErrRemoteFetchFailed)
	repo.Flush()

	failed := log.ofType(EventRefreshFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "main", failed[0].Store)
	assert.Contains(t, failed[0].Error, "unreachable")
	assert.Empty(t, repo.LiveDonors())
}

func TestRefreshAsyncCompletion(t *testing.T) {
	repo, _ := newRepo(t, staticSource(collection()))

	done := make(chan outcome.Result[refresh.Result], 1)
	h, err := repo.Refresh(context.Background(), "main", func(r outcome.Result[refresh.Result]) { done <- r })
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	select {
	case r := <-done:
		assert.True(t, r.OK())
	case <-time.After(2 * time.Second):
		t.Fatal("completion not delivered")
	}
}

func TestNoSource(t *testing.T) {
	repo, _ := newRepo(t, nil)

	_, err := repo.Refresh(context.Background(), "main", nil)
	assert.ErrorIs(t, err, ErrNoSource)
	_, err = repo.RefreshAndWait(context.Background(), "main")
	assert.ErrorIs(t, err, ErrNoSource)
	assert.Equal(t, refresh.Idle, repo.RefreshState("main"))
}

func insertAndWait(t *testing.T, repo *Repository, name string, d donor.Donor) mutation.Written {
	t.Helper()
	done := make(chan outcome.Result[mutation.Written], 1)
	repo.Insert(context.Background(), name, d, func(r outcome.Result[mutation.Written]) { done <- r })
	select {
	case r := <-done:
		require.True(t, r.OK(), "%v", r.Err())
		return r.Value
	case <-time.After(2 * time.Second):
		t.Fatal("insert completion not delivered")
		return mutation.Written{}
	}
}

func TestSearchAcrossStores(t *testing.T) {
	repo, log := newRepo(t, nil)

	insertAndWait(t, repo, "main", donor.Donor{ID: "a", LastName: "Smith", FirstName: "John", DOB: "1980"})
	insertAndWait(t, repo, "modified", donor.Donor{ID: "b", LastName: "Smith", FirstName: "John", DOB: "1980"})
	insertAndWait(t, repo, "inserted", donor.Donor{ID: "c", LastName: "Smithers", FirstName: "Wayland"})
	repo.Flush()

	got, err := repo.Search(context.Background(), "Smith", nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID, "staging store wins")
	assert.Equal(t, "c", got[1].ID)

	withProducts, err := repo.SearchWithProducts(context.Background(), "Smith,J", []string{"main"})
	require.NoError(t, err)
	require.Len(t, withProducts, 1)
	assert.Equal(t, "a", withProducts[0].Donor.ID)

	counts, err := repo.Counts(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, counts.Stores, 3)
	assert.Equal(t, 2, counts.DistinctDonors)

	inserted := log.ofType(EventDonorsInserted)
	require.Len(t, inserted, 3)
	assert.Equal(t, "main", inserted[0].Store)
	assert.Equal(t, []string{"a"}, inserted[0].IDs)
}

func TestTransportEvents(t *testing.T) {
	repo, log := newRepo(t, nil)
	assert.True(t, repo.Transport().Offline)

	repo.NetworkAvailable("wlan0", connectivity.Capabilities{WiFi: true}, false)
	repo.NetworkAvailable("rmnet0", connectivity.Capabilities{Cellular: true}, true)
	repo.NetworkLost("wlan0", true)
	repo.Flush()

	tr := repo.Transport()
	assert.Equal(t, connectivity.Cellular, tr.State)
	assert.Equal(t, "cellular", tr.Icon)
	assert.True(t, tr.Metered)
	assert.False(t, tr.Offline)

	changes := log.ofType(EventTransportChanged)
	require.Len(t, changes, 3)
	assert.Equal(t, "WIFI", changes[0].Transport)
	assert.Equal(t, "BOTH", changes[1].Transport)
	assert.Equal(t, "wifi", changes[1].Icon)
	assert.Equal(t, "CELLULAR", changes[2].Transport)
}

func TestBackupRefusedDuringRefresh(t *testing.T) {
	release := make(chan struct{})
	src := remote.SourceFunc(func(ctx context.Context, _ remote.Request) (remote.Collection, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return collection(), nil
	})
	repo, _ := newRepo(t, src)

	h, err := repo.Refresh(context.Background(), "main", nil)
	require.NoError(t, err)

	_, err = repo.Backup("main")
	assert.ErrorIs(t, err, outcome.ErrAlreadyInProgress)
	assert.ErrorIs(t, repo.Restore("main"), outcome.ErrAlreadyInProgress)

	close(release)
	require.NoError(t, h.Wait(context.Background()))

	set, err := repo.Backup("main")
	require.NoError(t, err)
	assert.Equal(t, "main", set.Store)
	assert.NoError(t, repo.Restore("main"))
}

func TestStatus(t *testing.T) {
	repo, _ := newRepo(t, staticSource(collection()))
	_, err := repo.RefreshAndWait(context.Background(), "main")
	require.NoError(t, err)
	repo.Flush()

	st, err := repo.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.LiveDonors)
	assert.Equal(t, "succeeded", st.Refresh["main"])
	assert.Equal(t, "idle", st.Refresh["modified"])
	assert.Equal(t, 0, st.Queue["main"].Pending)
	assert.Equal(t, uint64(1), st.Queue["main"].Completed, "the refresh insert ran on the main lane")
	assert.Equal(t, []string{"modified", "inserted", "main"}, st.SearchOrder)
	assert.Equal(t, connectivity.None, st.Transport.State)
	require.Len(t, st.Counts.Stores, 3)
}

func TestUnsubscribe(t *testing.T) {
	repo, _ := newRepo(t, nil)
	var n int
	var mu sync.Mutex
	unsub := repo.Subscribe(func(Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	repo.NetworkAvailable("wlan0", connectivity.Capabilities{WiFi: true}, false)
	repo.Flush()
	unsub()
	repo.NetworkLost("wlan0", false)
	repo.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestOpenCloseLifecycle(t *testing.T) {
	repo, _ := newRepo(t, nil)
	assert.NoError(t, repo.Open(), "second open is a no-op")
	require.NoError(t, repo.Close())
	assert.NoError(t, repo.Close())
	assert.ErrorIs(t, repo.Open(), ErrClosed)
}

func TestCloseCancelsRunningRefresh(t *testing.T) {
	entered := make(chan struct{})
	var returned atomic.Bool
	src := remote.SourceFunc(func(ctx context.Context, _ remote.Request) (remote.Collection, error) {
		close(entered)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		returned.Store(true)
		return remote.Collection{}, ctx.Err()
	})
	repo, _ := newRepo(t, src)

	_, err := repo.Refresh(context.Background(), "main", nil)
	require.NoError(t, err)
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- repo.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the refresh")
	}
	assert.True(t, returned.Load(), "stores closed while the refresh was still running")
}

func TestTransportDoesNotBlockOnSlowSubscriber(t *testing.T) {
	repo, log := newRepo(t, nil)

	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	repo.Subscribe(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			repo.NetworkAvailable("wlan0", connectivity.Capabilities{WiFi: true}, false)
			repo.NetworkLost("wlan0", false)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker entry points blocked behind a stalled subscriber")
	}
	assert.Equal(t, connectivity.None, repo.Transport().State)

	unblock()
	require.Eventually(t, func() bool {
		changes := log.ofType(EventTransportChanged)
		return len(changes) > 0 && changes[len(changes)-1].Transport == "NONE"
	}, 2*time.Second, 5*time.Millisecond)
	repo.Flush()

	changes := log.ofType(EventTransportChanged)
	assert.Less(t, len(changes), 400, "changes past the loop buffer are coalesced")
	assert.Equal(t, "NONE", changes[len(changes)-1].Transport)
}
