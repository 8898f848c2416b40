package election

import (
	"testing"
	"time"

	"github.com/m3db/m3election/store/mem"

	xwatch "github.com/m3db/m3x/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
)

func waitForLeaderUpdate(w xwatch.Watch, key string) error {
	return waitUntil(defaultWait, func() bool {
		u, ok := w.Get().(ObserveUpdate)
		return ok && u.LeaderKey == key
	})
}

func waitForErrUpdate(w xwatch.Watch) error {
	return waitUntil(defaultWait, func() bool {
		u, ok := w.Get().(ObserveUpdate)
		return ok && u.Err != nil
	})
}

func TestObserveExistingLeader(t *testing.T) {
	s := mem.NewStore()
	e := newTestElection(t, s, "svc")
	ctx := context.Background()

	require.NoError(t, e.Campaign(ctx, "A"))

	w, err := e.ObserveLeader()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, waitForLeaderUpdate(w, e.LeaderKey()))
	assert.True(t, e.IsObserving())
}

func TestObserveBeforeAnyCandidate(t *testing.T) {
	s := mem.NewStore()
	e := newTestElection(t, s, "svc")
	ctx := context.Background()

	w, err := e.ObserveLeader()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, waitUntil(defaultWait, e.IsObserving))

	require.NoError(t, e.Campaign(ctx, "A"))
	require.NoError(t, waitForLeaderUpdate(w, e.LeaderKey()))
}

func TestObserveHandoffSequencing(t *testing.T) {
	s := mem.NewStore()
	a := newTestElection(t, s, "svc")
	b := newTestElection(t, s, "svc")
	ctx := context.Background()

	require.NoError(t, a.Campaign(ctx, "A"))

	w, err := a.ObserveLeader()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, waitForLeaderUpdate(w, a.LeaderKey()))

	done := make(chan error, 1)
	go func() {
		done <- b.Campaign(ctx, "B")
	}()
	require.NoError(t, waitUntil(defaultWait, b.IsCampaigning))

	require.NoError(t, a.Resign(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(defaultWait):
		t.Fatal("successor campaign did not resolve")
	}

	// the observer must notice the hand-off to b's key
	require.NoError(t, waitForLeaderUpdate(w, b.LeaderKey()))
}

func TestObserveLeaseExpiryHandoff(t *testing.T) {
	s := mem.NewStore()
	a := newTestElection(t, s, "svc")
	b := newTestElection(t, s, "svc")
	ctx := context.Background()

	require.NoError(t, a.Campaign(ctx, "A"))

	done := make(chan error, 1)
	go func() {
		done <- b.Campaign(ctx, "B")
	}()
	require.NoError(t, waitUntil(defaultWait, b.IsCampaigning))

	w, err := b.ObserveLeader()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, waitForLeaderUpdate(w, a.LeaderKey()))

	// a crashes: its lease expires and its candidacy is cleaned up
	s.ExpireLease(a.leaseID())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(defaultWait):
		t.Fatal("campaign did not resolve after leader lease expiry")
	}

	require.NoError(t, waitForLeaderUpdate(w, b.LeaderKey()))
}

func TestObserveStopsWithoutSubscribers(t *testing.T) {
	s := mem.NewStore()
	e := newTestElection(t, s, "svc")
	ctx := context.Background()

	require.NoError(t, e.Campaign(ctx, "A"))

	w, err := e.ObserveLeader()
	require.NoError(t, err)
	require.NoError(t, waitForLeaderUpdate(w, e.LeaderKey()))

	w.Close()

	// the loop only re-checks its subscribers once the current tenure
	// ends
	require.NoError(t, e.Resign(ctx))
	require.NoError(t, waitUntil(defaultWait, func() bool {
		return !e.IsObserving()
	}))
}

func TestObserveResubscribeRestartsLoop(t *testing.T) {
	s := mem.NewStore()
	e := newTestElection(t, s, "svc")
	ctx := context.Background()

	require.NoError(t, e.Campaign(ctx, "A"))

	w, err := e.ObserveLeader()
	require.NoError(t, err)
	require.NoError(t, waitForLeaderUpdate(w, e.LeaderKey()))

	w.Close()
	require.NoError(t, e.Resign(ctx))
	require.NoError(t, waitUntil(defaultWait, func() bool {
		return !e.IsObserving()
	}))

	require.NoError(t, e.Campaign(ctx, "A2"))

	w2, err := e.ObserveLeader()
	require.NoError(t, err)
	defer w2.Close()

	require.NoError(t, waitUntil(defaultWait, e.IsObserving))
	require.NoError(t, waitForLeaderUpdate(w2, e.LeaderKey()))
}

func TestObserveReportsErrorsAndRetries(t *testing.T) {
	s := mem.NewStore()
	e := newTestElection(t, s, "svc")
	ctx := context.Background()

	require.NoError(t, e.Campaign(ctx, "A"))

	w, err := e.ObserveLeader()
	require.NoError(t, err)
	require.NoError(t, waitForLeaderUpdate(w, e.LeaderKey()))

	// kill the store out from under the observation loop
	require.NoError(t, s.Close())
	require.NoError(t, waitForErrUpdate(w))

	// the loop keeps retrying while subscribed; closing the session is
	// what stops it
	assert.True(t, e.IsObserving())
	e.Close()
	require.NoError(t, waitUntil(defaultWait, func() bool {
		return !e.IsObserving()
	}))
}
