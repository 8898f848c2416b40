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

// Package etcd implements the store facade on an etcd cluster.
package etcd

import (
	"fmt"
	"sync"
	"time"

	"github.com/m3db/m3election/store"

	"github.com/coreos/etcd/clientv3"
	"github.com/coreos/etcd/clientv3/concurrency"
	"github.com/coreos/etcd/mvcc/mvccpb"
	xlog "github.com/m3db/m3x/log"
	"golang.org/x/net/context"
)

var noopCancel context.CancelFunc = func() {}

// NewStore creates a store backed by an etcd client.
func NewStore(cli *clientv3.Client, opts Options) (store.Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &client{
		cli:     cli,
		kv:      cli.KV,
		watcher: cli.Watcher,
		opts:    opts,
		logger:  opts.InstrumentOptions().Logger(),
	}, nil
}

type client struct {
	cli     *clientv3.Client
	kv      clientv3.KV
	watcher clientv3.Watcher
	opts    Options
	logger  xlog.Logger
}

func (c *client) Get(ctx context.Context, key string) (store.KeyValue, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	r, err := c.kv.Get(ctx, key)
	if err != nil {
		return store.KeyValue{}, err
	}

	if r.Count == 0 {
		return store.KeyValue{}, store.ErrNotFound
	}

	if r.Count > 1 {
		return store.KeyValue{}, fmt.Errorf("received %d values for key %s, expecting 1", r.Count, key)
	}

	return kvFromProto(r.Kvs[0]), nil
}

func (c *client) Put(ctx context.Context, key string, value []byte, lease store.LeaseID) (int64, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	var opOpts []clientv3.OpOption
	if lease != 0 {
		opOpts = append(opOpts, clientv3.WithLease(clientv3.LeaseID(lease)))
	}

	r, err := c.kv.Put(ctx, key, string(value), opOpts...)
	if err != nil {
		return 0, err
	}

	return r.Header.Revision, nil
}

func (c *client) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	_, err := c.kv.Delete(ctx, key)
	return err
}

func (c *client) Range(ctx context.Context, prefix string, opts store.RangeOptions) ([]store.KeyValue, int64, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	opOpts := []clientv3.OpOption{clientv3.WithPrefix()}
	switch opts.SortOrder {
	case store.SortAscend:
		opOpts = append(opOpts, clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	case store.SortDescend:
		opOpts = append(opOpts, clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend))
	}
	if opts.MaxCreateRevision > 0 {
		opOpts = append(opOpts, clientv3.WithMaxCreateRev(opts.MaxCreateRevision))
	}
	if opts.Limit > 0 {
		opOpts = append(opOpts, clientv3.WithLimit(opts.Limit))
	}
	if opts.KeysOnly {
		opOpts = append(opOpts, clientv3.WithKeysOnly())
	}

	r, err := c.kv.Get(ctx, prefix, opOpts...)
	if err != nil {
		return nil, 0, err
	}

	kvs := make([]store.KeyValue, 0, len(r.Kvs))
	for _, kv := range r.Kvs {
		kvs = append(kvs, kvFromProto(kv))
	}

	return kvs, r.Header.Revision, nil
}

func (c *client) Commit(ctx context.Context, cond store.Condition, onSuccess, onFailure []store.Op) (store.TxnResponse, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	r, err := c.kv.Txn(ctx).
		If(cmpFromCondition(cond)).
		Then(opsFromStore(onSuccess)...).
		Else(opsFromStore(onFailure)...).
		Commit()
	if err != nil {
		return store.TxnResponse{}, err
	}

	resp := store.TxnResponse{
		Succeeded: r.Succeeded,
		Revision:  r.Header.Revision,
	}
	for _, op := range r.Responses {
		var opr store.OpResponse
		if rr := op.GetResponseRange(); rr != nil {
			for _, kv := range rr.Kvs {
				opr.KVs = append(opr.KVs, kvFromProto(kv))
			}
		}
		resp.Responses = append(resp.Responses, opr)
	}

	return resp, nil
}

// GrantLease acquires an etcd lease wrapped in a session that keeps it
// alive until revoked or the client disconnects. The session is bound to
// the client's lifetime, never to the calling context: a lease must stay
// alive long after the request that granted it has returned.
func (c *client) GrantLease(_ context.Context, ttl time.Duration) (store.Lease, error) {
	var sessionOpts []concurrency.SessionOption
	if secs := int(ttl / time.Second); secs > 0 {
		sessionOpts = append(sessionOpts, concurrency.WithTTL(secs))
	}

	session, err := concurrency.NewSession(c.cli, sessionOpts...)
	if err != nil {
		return nil, err
	}

	return &lease{session: session}, nil
}

func (c *client) WatchKey(ctx context.Context, key string, fromRevision int64) (store.Watch, error) {
	return c.watch(ctx, key, fromRevision)
}

func (c *client) WatchPrefix(ctx context.Context, prefix string, fromRevision int64) (store.Watch, error) {
	return c.watch(ctx, prefix, fromRevision, clientv3.WithPrefix())
}

func (c *client) Close() error {
	return c.cli.Close()
}

func (c *client) watch(ctx context.Context, key string, fromRevision int64, opOpts ...clientv3.OpOption) (store.Watch, error) {
	if fromRevision > 0 {
		opOpts = append(opOpts, clientv3.WithRev(fromRevision))
	}

	// watches outlive any request timeout; only explicit Close (or the
	// caller's own context) ends them
	ctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	wch := c.watcher.Watch(ctx, key, opOpts...)

	w := &watch{
		cancel: cancel,
		ch:     make(chan store.Event, c.opts.WatchBufferSize()),
		done:   make(chan struct{}),
	}
	go w.forward(wch, c.logger)

	return w, nil
}

func (c *client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := c.opts.RequestTimeout(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, noopCancel
}

func kvFromProto(kv *mvccpb.KeyValue) store.KeyValue {
	return store.KeyValue{
		Key:            string(kv.Key),
		Value:          kv.Value,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
		Lease:          store.LeaseID(kv.Lease),
	}
}

func cmpFromCondition(cond store.Condition) clientv3.Cmp {
	// CompareCreateRevision is the only target the facade defines
	return clientv3.Compare(clientv3.CreateRevision(cond.Key), "=", cond.Value)
}

func opsFromStore(ops []store.Op) []clientv3.Op {
	out := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		switch op.Type {
		case store.OpGet:
			out = append(out, clientv3.OpGet(op.Key))
		case store.OpPut:
			var opOpts []clientv3.OpOption
			if op.Lease != 0 {
				opOpts = append(opOpts, clientv3.WithLease(clientv3.LeaseID(op.Lease)))
			}
			out = append(out, clientv3.OpPut(op.Key, string(op.Value), opOpts...))
		case store.OpDelete:
			out = append(out, clientv3.OpDelete(op.Key))
		}
	}
	return out
}

func eventFromProto(ev *clientv3.Event) store.Event {
	typ := store.EventPut
	if ev.Type == clientv3.EventTypeDelete {
		typ = store.EventDelete
	}
	return store.Event{
		Type:           typ,
		Key:            string(ev.Kv.Key),
		Value:          ev.Kv.Value,
		CreateRevision: ev.Kv.CreateRevision,
		ModRevision:    ev.Kv.ModRevision,
	}
}

type lease struct {
	session *concurrency.Session
}

func (l *lease) ID() store.LeaseID { return store.LeaseID(l.session.Lease()) }

func (l *lease) Lost() <-chan struct{} { return l.session.Done() }

func (l *lease) Revoke() error { return l.session.Close() }

type watch struct {
	cancel    context.CancelFunc
	ch        chan store.Event
	done      chan struct{}
	closeOnce sync.Once

	// err is written once by forward before ch is closed and read only
	// after; the channel close orders the accesses
	err error
}

func (w *watch) C() <-chan store.Event { return w.ch }

func (w *watch) Err() error { return w.err }

func (w *watch) Close() {
	w.closeOnce.Do(func() {
		w.cancel()
		close(w.done)
	})
}

func (w *watch) forward(wch clientv3.WatchChan, logger xlog.Logger) {
	defer close(w.ch)

	for r := range wch {
		if err := r.Err(); err != nil {
			logger.Errorf("received error on watch channel: %v", err)
			w.err = err
			return
		}

		for _, ev := range r.Events {
			select {
			case w.ch <- eventFromProto(ev):
			case <-w.done:
				return
			}
		}
	}
}
