// Copyright (c) 2018 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package mem provides an in-process store implementation that mimics the
// revision, lease and watch semantics of a real cluster. It is used for
// testing election logic without external infrastructure.
package mem

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m3db/m3election/store"

	"golang.org/x/net/context"
)

const watchBufferSize = 128

var (
	errStoreClosed   = errors.New("mem store is closed")
	errLeaseNotFound = errors.New("lease not found")
	errSlowWatcher   = errors.New("watcher fell too far behind and was dropped")
)

// NewStore returns an empty in-process store.
func NewStore() *Store {
	return &Store{
		values:   make(map[string]*storedValue),
		leases:   make(map[store.LeaseID]*lease),
		watchers: make(map[int64]*watcher),
	}
}

// Store is an in-process implementation of store.Store. All methods are
// safe for concurrent use.
type Store struct {
	sync.Mutex

	revision      int64
	values        map[string]*storedValue
	history       []store.Event
	leases        map[store.LeaseID]*lease
	nextLeaseID   store.LeaseID
	watchers      map[int64]*watcher
	nextWatcherID int64
	closed        bool
}

type storedValue struct {
	value          []byte
	createRevision int64
	modRevision    int64
	lease          store.LeaseID
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, key string) (store.KeyValue, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return store.KeyValue{}, errStoreClosed
	}

	v, ok := s.values[key]
	if !ok {
		return store.KeyValue{}, store.ErrNotFound
	}

	return kvFromStored(key, v, false), nil
}

// Put implements store.Store.
func (s *Store) Put(_ context.Context, key string, value []byte, leaseID store.LeaseID) (int64, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return 0, errStoreClosed
	}

	if leaseID != 0 {
		if _, ok := s.leases[leaseID]; !ok {
			return 0, errLeaseNotFound
		}
	}

	return s.putLocked(key, value, leaseID), nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return errStoreClosed
	}

	s.deleteLocked(key)
	return nil
}

// Range implements store.Store.
func (s *Store) Range(_ context.Context, prefix string, opts store.RangeOptions) ([]store.KeyValue, int64, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, 0, errStoreClosed
	}

	var kvs []store.KeyValue
	for key, v := range s.values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if opts.MaxCreateRevision > 0 && v.createRevision > opts.MaxCreateRevision {
			continue
		}
		kvs = append(kvs, kvFromStored(key, v, opts.KeysOnly))
	}

	switch opts.SortOrder {
	case store.SortAscend:
		sort.Slice(kvs, func(i, j int) bool {
			return kvs[i].CreateRevision < kvs[j].CreateRevision
		})
	case store.SortDescend:
		sort.Slice(kvs, func(i, j int) bool {
			return kvs[i].CreateRevision > kvs[j].CreateRevision
		})
	}

	if opts.Limit > 0 && int64(len(kvs)) > opts.Limit {
		kvs = kvs[:opts.Limit]
	}

	return kvs, s.revision, nil
}

// Commit implements store.Store. Only equality comparisons on creation
// revisions are supported, which is the full set of conditions the
// election protocol issues.
func (s *Store) Commit(_ context.Context, cond store.Condition, onSuccess, onFailure []store.Op) (store.TxnResponse, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return store.TxnResponse{}, errStoreClosed
	}

	var createRev int64
	if v, ok := s.values[cond.Key]; ok {
		createRev = v.createRevision
	}

	succeeded := createRev == cond.Value
	branch := onSuccess
	if !succeeded {
		branch = onFailure
	}

	resp := store.TxnResponse{Succeeded: succeeded}
	for _, op := range branch {
		var opr store.OpResponse
		switch op.Type {
		case store.OpGet:
			if v, ok := s.values[op.Key]; ok {
				opr.KVs = append(opr.KVs, kvFromStored(op.Key, v, false))
			}
		case store.OpPut:
			if op.Lease != 0 {
				if _, ok := s.leases[op.Lease]; !ok {
					return store.TxnResponse{}, errLeaseNotFound
				}
			}
			s.putLocked(op.Key, op.Value, op.Lease)
		case store.OpDelete:
			s.deleteLocked(op.Key)
		}
		resp.Responses = append(resp.Responses, opr)
	}

	resp.Revision = s.revision
	return resp, nil
}

// GrantLease implements store.Store. The store models a client that
// never stops refreshing: a granted lease stays alive regardless of its
// ttl until it is revoked or force-expired through ExpireLease.
func (s *Store) GrantLease(_ context.Context, _ time.Duration) (store.Lease, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, errStoreClosed
	}

	s.nextLeaseID++
	l := &lease{
		id:    s.nextLeaseID,
		store: s,
		lost:  make(chan struct{}),
	}

	s.leases[l.id] = l
	return l, nil
}

// WatchKey implements store.Store.
func (s *Store) WatchKey(_ context.Context, key string, fromRevision int64) (store.Watch, error) {
	return s.watch(key, false, fromRevision)
}

// WatchPrefix implements store.Store.
func (s *Store) WatchPrefix(_ context.Context, prefix string, fromRevision int64) (store.Watch, error) {
	return s.watch(prefix, true, fromRevision)
}

// Close implements store.Store. It terminates all watches without
// deleting any data.
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for id, w := range s.watchers {
		delete(s.watchers, id)
		w.closed = true
		close(w.ch)
	}

	return nil
}

// ExpireLease force-expires a lease as though its time-to-live elapsed
// without a keep-alive: every key bound to it is deleted and its Lost
// channel is closed. Expiring an unknown lease is a no-op. Exposed so
// tests can simulate lease loss deterministically.
func (s *Store) ExpireLease(id store.LeaseID) {
	s.revokeLease(id)
}

// LeaseExists reports whether the given lease is currently live.
func (s *Store) LeaseExists(id store.LeaseID) bool {
	s.Lock()
	defer s.Unlock()

	_, ok := s.leases[id]
	return ok
}

// NumLeases returns the number of currently live leases.
func (s *Store) NumLeases() int {
	s.Lock()
	defer s.Unlock()

	return len(s.leases)
}

func (s *Store) revokeLease(id store.LeaseID) {
	s.Lock()
	defer s.Unlock()

	l, ok := s.leases[id]
	if !ok {
		return
	}
	delete(s.leases, id)

	for key, v := range s.values {
		if v.lease == id {
			s.deleteLocked(key)
		}
	}

	close(l.lost)
}

func (s *Store) putLocked(key string, value []byte, leaseID store.LeaseID) int64 {
	s.revision++

	v, ok := s.values[key]
	if !ok {
		v = &storedValue{createRevision: s.revision}
		s.values[key] = v
	}
	v.value = append([]byte(nil), value...)
	v.modRevision = s.revision
	v.lease = leaseID

	s.notifyLocked(store.Event{
		Type:           store.EventPut,
		Key:            key,
		Value:          v.value,
		CreateRevision: v.createRevision,
		ModRevision:    v.modRevision,
	})

	return s.revision
}

func (s *Store) deleteLocked(key string) {
	v, ok := s.values[key]
	if !ok {
		return
	}

	s.revision++
	delete(s.values, key)

	s.notifyLocked(store.Event{
		Type:           store.EventDelete,
		Key:            key,
		CreateRevision: v.createRevision,
		ModRevision:    s.revision,
	})
}

// notifyLocked records ev in the history and fans it out to matching
// watchers. Assumes the store lock is held.
func (s *Store) notifyLocked(ev store.Event) {
	s.history = append(s.history, ev)

	for id, w := range s.watchers {
		if !w.matches(ev.Key) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			// a watcher that cannot keep up is useless to the protocol;
			// terminate it so the consumer sees an error instead of a
			// silently incomplete stream
			delete(s.watchers, id)
			w.closed = true
			w.err = errSlowWatcher
			close(w.ch)
		}
	}
}

func (s *Store) watch(key string, prefix bool, fromRevision int64) (store.Watch, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil, errStoreClosed
	}

	s.nextWatcherID++
	w := &watcher{
		store:  s,
		id:     s.nextWatcherID,
		key:    key,
		prefix: prefix,
		ch:     make(chan store.Event, watchBufferSize),
	}

	// replay history so mutations that landed between a read at
	// fromRevision-1 and this registration are not missed
	if fromRevision > 0 {
		for _, ev := range s.history {
			if ev.ModRevision < fromRevision || !w.matches(ev.Key) {
				continue
			}
			select {
			case w.ch <- ev:
			default:
				w.closed = true
				w.err = errSlowWatcher
				close(w.ch)
				return w, nil
			}
		}
	}

	s.watchers[w.id] = w
	return w, nil
}

func kvFromStored(key string, v *storedValue, keysOnly bool) store.KeyValue {
	kv := store.KeyValue{
		Key:            key,
		CreateRevision: v.createRevision,
		ModRevision:    v.modRevision,
		Lease:          v.lease,
	}
	if !keysOnly {
		kv.Value = append([]byte(nil), v.value...)
	}
	return kv
}

type lease struct {
	id    store.LeaseID
	store *Store
	lost  chan struct{}
}

func (l *lease) ID() store.LeaseID { return l.id }

func (l *lease) Lost() <-chan struct{} { return l.lost }

func (l *lease) Revoke() error {
	l.store.revokeLease(l.id)
	return nil
}

type watcher struct {
	store  *Store
	id     int64
	key    string
	prefix bool

	// ch and the fields below are guarded by the store lock
	ch     chan store.Event
	closed bool
	err    error
}

func (w *watcher) matches(key string) bool {
	if w.prefix {
		return strings.HasPrefix(key, w.key)
	}
	return key == w.key
}

func (w *watcher) C() <-chan store.Event { return w.ch }

func (w *watcher) Err() error {
	w.store.Lock()
	defer w.store.Unlock()
	return w.err
}

func (w *watcher) Close() {
	w.store.Lock()
	defer w.store.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	delete(w.store.watchers, w.id)
	close(w.ch)
}
