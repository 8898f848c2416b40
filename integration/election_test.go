// +build integration

package integration

import (
	"fmt"
	"testing"
	"time"

	"github.com/m3db/m3election/election"
	"github.com/m3db/m3election/internal/etcdcluster"
	"github.com/m3db/m3election/store"
	storeetcd "github.com/m3db/m3election/store/etcd"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
)

const defaultWait = 10 * time.Second

type conditionFn func() bool

func waitUntil(timeout time.Duration, fn conditionFn) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("fn not true within %s", timeout.String())
}

type testIntegrationCluster struct {
	*etcdcluster.Cluster

	t     *testing.T
	store store.Store
}

func newTestIntegrationCluster(t *testing.T, opts *etcdcluster.Options) *testIntegrationCluster {
	if opts == nil {
		opts = &etcdcluster.Options{}
	}

	cluster, err := etcdcluster.New(*opts)
	require.NoError(t, err)

	tc := &testIntegrationCluster{Cluster: cluster, t: t}

	tc.startAndWait(30 * time.Second)

	return tc
}

func (tc *testIntegrationCluster) startAndWait(timeout time.Duration) {
	err := tc.Start()
	require.NoError(tc.t, err)

	err = tc.WaitReady(timeout)
	require.NoError(tc.t, err)
}

func (tc *testIntegrationCluster) electionStore() store.Store {
	if tc.store != nil {
		return tc.store
	}

	client, err := tc.Client()
	require.NoError(tc.t, err)

	s, err := storeetcd.NewStore(client, storeetcd.NewOptions())
	require.NoError(tc.t, err)

	tc.store = s
	return s
}

func (tc *testIntegrationCluster) session(name string) *election.Election {
	opts := election.NewOptions().SetTTL(5 * time.Second)

	e, err := election.NewElection(tc.electionStore(), name, opts)
	require.NoError(tc.t, err)

	return e
}

func TestIntegration_Simple(t *testing.T) {
	tc := newTestIntegrationCluster(t, nil)
	defer tc.Shutdown()

	ctx := context.Background()
	e1 := tc.session("svc")
	e2 := tc.session("svc")

	require.NoError(t, e1.Campaign(ctx, "i1"))

	done := make(chan error, 1)
	go func() {
		done <- e2.Campaign(ctx, "i2")
	}()
	require.NoError(t, waitUntil(defaultWait, e2.IsCampaigning))

	ld, err := e1.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, e1.LeaderKey(), ld)

	require.NoError(t, e1.Resign(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(defaultWait):
		t.Fatal("successor campaign did not resolve")
	}

	ld, err = e2.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, e2.LeaderKey(), ld)
}

func TestIntegration_LeaseOutlivesCampaignContext(t *testing.T) {
	tc := newTestIntegrationCluster(t, nil)
	defer tc.Shutdown()

	e1 := tc.session("svc")

	cctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e1.Campaign(cctx, "i1"))
	cancel()

	// the lease keep-alive is bound to the client, not the campaign's
	// context; wait out more than the 5s TTL to prove it survives
	time.Sleep(8 * time.Second)

	ctx := context.Background()
	assert.True(t, e1.IsReady())
	ld, err := e1.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, e1.LeaderKey(), ld)

	require.NoError(t, e1.Resign(ctx))
}

func TestIntegration_Observe(t *testing.T) {
	tc := newTestIntegrationCluster(t, nil)
	defer tc.Shutdown()

	ctx := context.Background()
	e1 := tc.session("svc")
	e2 := tc.session("svc")

	require.NoError(t, e1.Campaign(ctx, "i1"))

	w, err := e2.ObserveLeader()
	require.NoError(t, err)
	defer w.Close()

	waitForLeader := func(key string) error {
		return waitUntil(defaultWait, func() bool {
			u, ok := w.Get().(election.ObserveUpdate)
			return ok && u.LeaderKey == key
		})
	}
	require.NoError(t, waitForLeader(e1.LeaderKey()))

	done := make(chan error, 1)
	go func() {
		done <- e2.Campaign(ctx, "i2")
	}()
	require.NoError(t, waitUntil(defaultWait, e2.IsCampaigning))

	require.NoError(t, e1.Resign(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(defaultWait):
		t.Fatal("successor campaign did not resolve")
	}

	require.NoError(t, waitForLeader(e2.LeaderKey()))
}

func TestIntegration_KillNode(t *testing.T) {
	tc := newTestIntegrationCluster(t, nil)
	defer tc.Shutdown()

	ctx := context.Background()
	e1 := tc.session("svc")

	require.NoError(t, e1.Campaign(ctx, "i1"))

	// leadership survives losing an etcd node as long as quorum holds
	require.NoError(t, tc.KillLeader(false))

	ld, err := e1.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, e1.LeaderKey(), ld)

	require.NoError(t, e1.Resign(ctx))

	_, err = e1.Leader(ctx)
	assert.Equal(t, election.ErrNoLeader, err)
}
