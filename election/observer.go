package election

import (
	"sync/atomic"

	"github.com/m3db/m3election/store"

	xwatch "github.com/m3db/m3x/watch"
	"golang.org/x/net/context"
)

// ObserveLeader subscribes the caller to leadership notifications for
// this election. The returned watch yields ObserveUpdate values: one per
// observed leader, at least once per transition, plus error updates when
// an observation cycle or background lease recovery fails. Closing the
// returned watch unsubscribes; the background loop stops once no
// subscribers remain at the end of a cycle.
func (e *Election) ObserveLeader() (xwatch.Watch, error) {
	if e.isClosed() {
		return nil, ErrSessionClosed
	}

	_, w, err := e.wb.Watch()
	if err != nil {
		return nil, err
	}

	if atomic.CompareAndSwapUint32(&e.observing, 0, 1) {
		go e.observeLoop()
	}

	return w, nil
}

func (e *Election) hasObservers() bool {
	return !e.isClosed() && e.wb.NumWatches() > 0
}

// observeLoop runs observation cycles for as long as subscribers remain.
// Failed cycles report an error update and back off with the session's
// retry policy; the backoff resets whenever a cycle completes.
func (e *Election) observeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		for e.hasObservers() {
			e.retrier.AttemptWhile(e.hasObserversAttempt, func() error {
				err := e.observeCycle(ctx)
				if err != nil && !e.isClosed() {
					e.metrics.observeErrors.Inc(1)
					e.logger.Warnf("leadership observation failed: %v", err)
					e.wb.Update(newErrUpdate(err))
				}
				return err
			})
		}

		atomic.StoreUint32(&e.observing, 0)

		// a subscriber may have arrived between the final cycle check
		// and the flag reset; reclaim the loop if so
		if !e.hasObservers() {
			return
		}
		if !atomic.CompareAndSwapUint32(&e.observing, 0, 1) {
			return
		}
	}
}

func (e *Election) hasObserversAttempt(_ int) bool {
	return e.hasObservers()
}

// observeCycle observes a single leadership tenure: it identifies the
// current leader (waiting for a first candidate if there is none),
// notifies subscribers, and waits until that leader vacates. Both
// graceful resignation and lease-expiry cleanup surface as a delete of
// the leader's candidate key.
func (e *Election) observeCycle(ctx context.Context) error {
	kvs, rev, err := e.store.Range(ctx, e.prefix, store.RangeOptions{
		SortOrder: store.SortAscend,
		Limit:     1,
		KeysOnly:  true,
	})
	if err != nil {
		return err
	}

	var leaderKey string
	fromRev := rev + 1
	if len(kvs) > 0 {
		leaderKey = kvs[0].Key
	} else {
		leaderKey, fromRev, err = e.waitFirstCandidate(ctx, rev+1)
		if err != nil {
			return err
		}
	}

	e.wb.Update(newLeaderUpdate(leaderKey))

	return waitDelete(ctx, e.store, leaderKey, fromRev)
}

// waitFirstCandidate watches the election prefix from fromRev until the
// first candidate key is created, returning that key and the revision to
// continue watching from. The watch is released on every exit path.
func (e *Election) waitFirstCandidate(ctx context.Context, fromRev int64) (string, int64, error) {
	w, err := e.store.WatchPrefix(ctx, e.prefix, fromRev)
	if err != nil {
		return "", 0, err
	}
	defer w.Close()

	for {
		select {
		case ev, ok := <-w.C():
			if !ok {
				if err := w.Err(); err != nil {
					return "", 0, err
				}
				return "", 0, store.ErrWatchClosed
			}
			if ev.Type == store.EventPut {
				return ev.Key, ev.ModRevision + 1, nil
			}
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
}
