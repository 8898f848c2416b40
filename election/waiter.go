package election

import (
	"github.com/m3db/m3election/store"

	"golang.org/x/net/context"
)

// waitDelete blocks until key is deleted, the watch fails, or ctx is
// cancelled. The watch starts at fromRev so a delete that landed after a
// read at fromRev-1 is replayed rather than missed. The watch is
// released on every exit path.
func waitDelete(ctx context.Context, s store.Store, key string, fromRev int64) error {
	w, err := s.WatchKey(ctx, key, fromRev)
	if err != nil {
		return err
	}
	defer w.Close()

	for {
		select {
		case ev, ok := <-w.C():
			if !ok {
				if err := w.Err(); err != nil {
					return err
				}
				return store.ErrWatchClosed
			}
			if ev.Type == store.EventDelete {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitDeletes blocks until every key in keys has been deleted, in order.
// Keys already absent are skipped without opening a watch, since a watch
// on an already-deleted key would never fire. An empty list returns
// immediately.
func waitDeletes(ctx context.Context, s store.Store, keys []string) error {
	for _, key := range keys {
		kv, err := s.Get(ctx, key)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return err
		}

		if err := waitDelete(ctx, s, key, kv.ModRevision+1); err != nil {
			return err
		}
	}

	return nil
}
