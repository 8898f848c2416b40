package election

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/m3db/m3election/store"

	xlog "github.com/m3db/m3x/log"
	xretry "github.com/m3db/m3x/retry"
	xwatch "github.com/m3db/m3x/watch"
	"github.com/uber-go/tally"
	"golang.org/x/net/context"
)

var (
	// ErrNoLeader is returned by Leader when the election has no live
	// candidates.
	ErrNoLeader = errors.New("election has no leader")

	// ErrNotLeader is returned by Proclaim when the session holds no
	// active campaign or its candidacy has been superseded (for example
	// after the backing lease expired and its key was cleaned up).
	ErrNotLeader = errors.New("session does not hold an active candidacy")

	// ErrSessionClosed is returned by all operations on a closed session.
	ErrSessionClosed = errors.New("election session is closed")

	errNoActiveLease = errors.New("election session holds no active lease")
)

// Election is a single session competing in the election identified by
// its name. Correctness across competing sessions relies entirely on the
// store's atomic transactions and global revision ordering.
type Election struct {
	sync.Mutex

	store  store.Store
	opts   Options
	prefix string

	lease     store.Lease
	leaderKey string
	leaderRev int64

	campaigning bool
	observing   uint32
	closed      uint32
	done        chan struct{}

	wb      xwatch.Watchable
	retrier xretry.Retrier
	logger  xlog.Logger
	metrics electionMetrics
}

type electionMetrics struct {
	campaignsWon  tally.Counter
	proclaims     tally.Counter
	resigns       tally.Counter
	observeErrors tally.Counter
	leasesLost    tally.Counter
}

func newElectionMetrics(scope tally.Scope) electionMetrics {
	return electionMetrics{
		campaignsWon:  scope.Counter("campaigns-won"),
		proclaims:     scope.Counter("proclaims"),
		resigns:       scope.Counter("resigns"),
		observeErrors: scope.Counter("observe-errors"),
		leasesLost:    scope.Counter("leases-lost"),
	}
}

// NewElection creates a session able to campaign for leadership of the
// election identified by name. Candidate keys for the election live
// under "<namespace>/<name>/".
func NewElection(s store.Store, name string, opts Options) (*Election, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("election name cannot be empty")
	}

	iopts := opts.InstrumentOptions()
	return &Election{
		store:   s,
		opts:    opts,
		prefix:  electionPrefix(opts.Namespace(), name),
		done:    make(chan struct{}),
		wb:      xwatch.NewWatchable(),
		retrier: xretry.NewRetrier(opts.ObserveRetryOptions()),
		logger:  iopts.Logger(),
		metrics: newElectionMetrics(iopts.MetricsScope().SubScope("election")),
	}, nil
}

// Initialize acquires the lease backing this session's candidacy if one
// is not already held. It is a no-op when the session is ready, and is
// called implicitly by Campaign.
func (e *Election) Initialize(ctx context.Context) error {
	if e.isClosed() {
		return ErrSessionClosed
	}

	e.Lock()
	held := e.lease != nil
	e.Unlock()
	if held {
		return nil
	}

	lease, err := e.store.GrantLease(ctx, e.opts.TTL())
	if err != nil {
		return err
	}

	e.Lock()
	if e.lease != nil {
		// lost a race with another initialization; keep the first lease
		e.Unlock()
		return lease.Revoke()
	}
	e.lease = lease
	e.Unlock()

	// Close may have run between the grant and the install, in which case
	// nothing would ever revoke this lease
	if e.isClosed() {
		e.Lock()
		owned := e.lease == lease
		if owned {
			e.lease = nil
		}
		e.Unlock()
		if owned {
			if err := lease.Revoke(); err != nil {
				return err
			}
		}
		return ErrSessionClosed
	}

	go e.handleLeaseLoss(lease)
	return nil
}

// Campaign registers this session as a candidate for leadership with the
// given value and blocks until every candidate registered before it has
// vacated, the context is cancelled, or an error occurs. On a nil return
// the caller is the leader. On any failure after the lease is acquired
// the session resigns its partial candidacy before returning, so a
// failed campaign never leaves the session campaigning.
func (e *Election) Campaign(ctx context.Context, value string) error {
	if e.isClosed() {
		return ErrSessionClosed
	}

	if err := e.Initialize(ctx); err != nil {
		return err
	}

	e.Lock()
	lease := e.lease
	e.Unlock()
	if lease == nil {
		return errNoActiveLease
	}

	key := e.candidateKey(lease.ID())

	// one transaction: create our candidate key if this lease has none,
	// otherwise read the candidacy already registered under it
	r, err := e.store.Commit(ctx,
		store.Condition{Key: key, Target: store.CompareCreateRevision, Value: 0},
		[]store.Op{store.PutOp(key, []byte(value), lease.ID())},
		[]store.Op{store.GetOp(key)},
	)
	if err != nil {
		return err
	}

	leaderRev := r.Revision
	if !r.Succeeded {
		kvs := r.Responses[0].KVs
		if len(kvs) == 0 {
			return errNoActiveLease
		}
		leaderRev = kvs[0].CreateRevision
	}

	e.Lock()
	e.leaderKey = key
	e.leaderRev = leaderRev
	e.campaigning = true
	e.Unlock()

	if !r.Succeeded && string(r.Responses[0].KVs[0].Value) != value {
		// re-campaigning on a lease that already holds a candidacy with
		// a stale value; refresh it without losing our place in line
		if err := e.Proclaim(ctx, value); err != nil {
			return e.abortCampaign(err)
		}
	}

	if err := e.waitForTurn(ctx, leaderRev); err != nil {
		return e.abortCampaign(err)
	}

	e.metrics.campaignsWon.Inc(1)
	return nil
}

// Proclaim replaces the campaigned value without surrendering the
// session's place in the candidate ordering.
func (e *Election) Proclaim(ctx context.Context, value string) error {
	if e.isClosed() {
		return ErrSessionClosed
	}

	e.Lock()
	if !e.campaigning || e.leaderKey == "" || e.lease == nil {
		e.Unlock()
		return ErrNotLeader
	}
	key, rev, leaseID := e.leaderKey, e.leaderRev, e.lease.ID()
	e.Unlock()

	r, err := e.store.Commit(ctx,
		store.Condition{Key: key, Target: store.CompareCreateRevision, Value: rev},
		[]store.Op{store.PutOp(key, []byte(value), leaseID)},
		nil,
	)
	if err != nil {
		return err
	}

	if !r.Succeeded {
		// the candidacy no longer exists at the revision we recorded
		e.Lock()
		e.leaderKey = ""
		e.Unlock()
		return ErrNotLeader
	}

	e.metrics.proclaims.Inc(1)
	return nil
}

// Resign abandons the session's candidacy. It is a no-op if the session
// is not campaigning. Local campaign state is cleared in all outcomes,
// including store errors, so a resigned session can always campaign
// again from scratch.
func (e *Election) Resign(ctx context.Context) error {
	e.Lock()
	if !e.campaigning {
		e.Unlock()
		return nil
	}
	key, rev := e.leaderKey, e.leaderRev
	e.Unlock()

	defer e.clearCampaignState()

	r, err := e.store.Commit(ctx,
		store.Condition{Key: key, Target: store.CompareCreateRevision, Value: rev},
		[]store.Op{store.DeleteOp(key)},
		nil,
	)
	if err != nil {
		return err
	}

	if !r.Succeeded {
		// the key we recorded is gone or was superseded; drop the lease
		// entirely so no candidacy can linger under it, and take a fresh
		// one so the session stays ready
		if err := e.replaceLease(ctx); err != nil {
			return err
		}
	}

	e.metrics.resigns.Inc(1)
	return nil
}

// Leader returns the candidate key of the current election leader: the
// live candidate with the lowest creation revision. It requires neither
// an initialized nor a campaigning session.
func (e *Election) Leader(ctx context.Context) (string, error) {
	if e.isClosed() {
		return "", ErrSessionClosed
	}

	kvs, _, err := e.store.Range(ctx, e.prefix, store.RangeOptions{
		SortOrder: store.SortAscend,
		Limit:     1,
		KeysOnly:  true,
	})
	if err != nil {
		return "", err
	}
	if len(kvs) == 0 {
		return "", ErrNoLeader
	}

	return kvs[0].Key, nil
}

// LeaderKey returns the candidate key this session campaigned under. It
// is only meaningful while IsCampaigning is true.
func (e *Election) LeaderKey() string {
	e.Lock()
	defer e.Unlock()
	return e.leaderKey
}

// LeaderRev returns the creation revision of the session's candidate key
// as last observed by this session.
func (e *Election) LeaderRev() int64 {
	e.Lock()
	defer e.Unlock()
	return e.leaderRev
}

// IsReady returns true while the session holds a live lease.
func (e *Election) IsReady() bool {
	e.Lock()
	defer e.Unlock()
	return e.lease != nil
}

// IsCampaigning returns true from successful candidacy registration
// until the session resigns or its campaign fails.
func (e *Election) IsCampaigning() bool {
	e.Lock()
	defer e.Unlock()
	return e.campaigning
}

// IsObserving returns true while the observation loop is running.
func (e *Election) IsObserving() bool {
	return atomic.LoadUint32(&e.observing) == 1
}

// Close permanently shuts the session down: the observation loop is
// cancelled, subscribers are closed, and the held lease is revoked,
// which deletes any remaining candidacy. A closed session cannot be
// reused.
func (e *Election) Close() error {
	if !atomic.CompareAndSwapUint32(&e.closed, 0, 1) {
		return nil
	}

	close(e.done)

	e.Lock()
	lease := e.lease
	e.lease = nil
	e.leaderKey = ""
	e.leaderRev = 0
	e.campaigning = false
	e.Unlock()

	e.wb.Close()

	if lease != nil {
		return lease.Revoke()
	}
	return nil
}

func (e *Election) isClosed() bool {
	return atomic.LoadUint32(&e.closed) == 1
}

// waitForTurn blocks until no candidate created before rev remains,
// probing the closest predecessor first. Completion means this session
// is the leader.
func (e *Election) waitForTurn(ctx context.Context, rev int64) error {
	if rev <= 1 {
		// no key can have been created at an earlier revision, and a
		// zero MaxCreateRevision bound would mean "unbounded"
		return nil
	}

	kvs, _, err := e.store.Range(ctx, e.prefix, store.RangeOptions{
		SortOrder:         store.SortDescend,
		MaxCreateRevision: rev - 1,
		KeysOnly:          true,
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		keys = append(keys, kv.Key)
	}

	return waitDeletes(ctx, e.store, keys)
}

// abortCampaign cleans up a partially established candidacy and returns
// the original failure. The campaign's own context may already be
// cancelled, so the cleanup runs under its own bounded context.
func (e *Election) abortCampaign(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.TTL())
	defer cancel()

	if err := e.Resign(ctx); err != nil {
		e.logger.Errorf("failed to resign after aborted campaign: %v", err)
	}
	return cause
}

func (e *Election) clearCampaignState() {
	e.Lock()
	e.leaderKey = ""
	e.leaderRev = 0
	e.campaigning = false
	e.Unlock()
}

// replaceLease revokes the session's current lease and immediately
// requests a replacement. If the replacement grant fails the session is
// left uninitialized for a later Initialize.
func (e *Election) replaceLease(ctx context.Context) error {
	e.Lock()
	old := e.lease
	e.lease = nil
	e.Unlock()

	if old != nil {
		if err := old.Revoke(); err != nil {
			return err
		}
	}

	return e.Initialize(ctx)
}

// handleLeaseLoss waits for the given lease to be lost and restores the
// session's readiness for a future campaign. It does not re-establish a
// lost candidacy: a leader whose lease expired learns of it through a
// failed Proclaim and must campaign again.
func (e *Election) handleLeaseLoss(lease store.Lease) {
	select {
	case <-lease.Lost():
	case <-e.done:
		return
	}

	e.Lock()
	if e.lease != lease {
		// the lease was already replaced (e.g. by Resign) before the
		// loss fired; nothing to recover
		e.Unlock()
		return
	}
	e.lease = nil
	e.Unlock()

	if e.isClosed() {
		return
	}

	e.metrics.leasesLost.Inc(1)
	e.logger.Warnf("election lease lost, requesting a replacement")

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.TTL())
	defer cancel()
	if err := e.Initialize(ctx); err != nil {
		e.logger.Errorf("failed to replace lost election lease: %v", err)
		e.wb.Update(newErrUpdate(err))
	}
}

func (e *Election) candidateKey(id store.LeaseID) string {
	return fmt.Sprintf("%s%x", e.prefix, id)
}

// elections for a role "svc" under the default namespace store their
// candidate keys under "election/svc/".
func electionPrefix(namespace, name string) string {
	return fmt.Sprintf("%s/%s/", namespace, name)
}
