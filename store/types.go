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

// Package store defines the coordination facade the election protocol is
// built on: a linearizable key-value store with global revisions,
// compare-and-swap transactions, time-bound leases and watches.
package store

import (
	"errors"
	"time"

	"golang.org/x/net/context"
)

var (
	// ErrNotFound is returned when a requested key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrWatchClosed is returned when a watch stream ends before the
	// caller cancels it and the store reported no specific cause.
	ErrWatchClosed = errors.New("watch closed by store")
)

// LeaseID identifies a lease granted by the store.
type LeaseID int64

// KeyValue is a single key-value pair read from the store.
type KeyValue struct {
	// Key is the full key.
	Key string

	// Value is the stored value. It is omitted from keys-only reads.
	Value []byte

	// CreateRevision is the store revision at which the key was last
	// created. It is stable across value updates to the same key
	// instance.
	CreateRevision int64

	// ModRevision is the store revision of the key's last mutation.
	ModRevision int64

	// Lease is the lease the key is bound to, or zero if unbound.
	Lease LeaseID
}

// EventType describes a mutation delivered on a watch stream.
type EventType int

const (
	// EventPut indicates a key was created or its value updated.
	EventPut EventType = iota

	// EventDelete indicates a key was deleted.
	EventDelete
)

// Event is a single mutation observed by a watch.
type Event struct {
	Type           EventType
	Key            string
	Value          []byte
	CreateRevision int64
	ModRevision    int64
}

// SortOrder orders range results by creation revision.
type SortOrder int

const (
	// SortNone applies no ordering.
	SortNone SortOrder = iota

	// SortAscend orders by ascending creation revision (oldest first).
	SortAscend

	// SortDescend orders by descending creation revision (newest first).
	SortDescend
)

// RangeOptions control a prefixed range read.
type RangeOptions struct {
	// SortOrder orders the returned keys by creation revision.
	SortOrder SortOrder

	// MaxCreateRevision, when non-zero, excludes keys created at a
	// revision greater than it.
	MaxCreateRevision int64

	// Limit bounds the number of returned keys. Zero means unbounded.
	Limit int64

	// KeysOnly omits values from the results.
	KeysOnly bool
}

// CompareTarget names the key attribute a transaction condition compares.
type CompareTarget int

const (
	// CompareCreateRevision compares the key's creation revision. A key
	// that does not exist has creation revision zero.
	CompareCreateRevision CompareTarget = iota
)

// Condition guards a transaction: the success branch runs iff the target
// attribute of Key equals Value at commit time.
type Condition struct {
	Key    string
	Target CompareTarget
	Value  int64
}

// OpType is the kind of a transaction operation.
type OpType int

const (
	// OpGet reads a single key.
	OpGet OpType = iota

	// OpPut writes a single key, optionally bound to a lease.
	OpPut

	// OpDelete deletes a single key.
	OpDelete
)

// Op is one operation executed within a transaction branch.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
	Lease LeaseID
}

// GetOp returns a read operation for key.
func GetOp(key string) Op {
	return Op{Type: OpGet, Key: key}
}

// PutOp returns a write operation for key bound to lease (zero for none).
func PutOp(key string, value []byte, lease LeaseID) Op {
	return Op{Type: OpPut, Key: key, Value: value, Lease: lease}
}

// DeleteOp returns a delete operation for key.
func DeleteOp(key string) Op {
	return Op{Type: OpDelete, Key: key}
}

// OpResponse is the result of a single executed transaction operation.
// Only get operations populate KVs.
type OpResponse struct {
	KVs []KeyValue
}

// TxnResponse is the result of a committed transaction.
type TxnResponse struct {
	// Succeeded is true when the condition held and the success branch
	// executed.
	Succeeded bool

	// Revision is the store revision at which the transaction committed.
	Revision int64

	// Responses holds one entry per executed operation, in branch order.
	Responses []OpResponse
}

// Lease is a server-managed, time-bound liveness token. Keys bound to a
// lease are deleted by the store when the lease expires or is revoked.
type Lease interface {
	// ID returns the lease's identifier.
	ID() LeaseID

	// Lost returns a channel that is closed once the lease can no longer
	// be kept alive (expiry, revocation, or keep-alive failure).
	Lost() <-chan struct{}

	// Revoke releases the lease, deleting every key bound to it.
	Revoke() error
}

// Watch is a subscription to mutations of a single key or a key prefix.
type Watch interface {
	// C returns the event channel. It is closed when the watch ends,
	// whether by Close or by a store-side failure.
	C() <-chan Event

	// Err returns the error that terminated the watch, if any. It is
	// only meaningful after C is closed.
	Err() error

	// Close cancels the watch and releases any server-side watch state.
	// It is safe to call multiple times.
	Close()
}

// Store is a linearizable key-value store with monotonically increasing
// global revisions. Every mutating call advances the revision; creation
// revisions order keys by "who was here first".
type Store interface {
	// Get reads a single key, returning ErrNotFound if it is absent.
	Get(ctx context.Context, key string) (KeyValue, error)

	// Put writes a key, optionally bound to a lease, and returns the
	// revision of the write.
	Put(ctx context.Context, key string, value []byte, lease LeaseID) (int64, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Range reads all keys under prefix subject to opts, returning the
	// revision at which the read was served.
	Range(ctx context.Context, prefix string, opts RangeOptions) ([]KeyValue, int64, error)

	// Commit atomically evaluates cond and executes the onSuccess branch
	// if it holds, the onFailure branch otherwise.
	Commit(ctx context.Context, cond Condition, onSuccess, onFailure []Op) (TxnResponse, error)

	// GrantLease acquires a lease with the given time-to-live that the
	// store keeps alive until revoked or disconnected.
	GrantLease(ctx context.Context, ttl time.Duration) (Lease, error)

	// WatchKey subscribes to mutations of a single key starting at
	// fromRevision (zero to start from now).
	WatchKey(ctx context.Context, key string, fromRevision int64) (Watch, error)

	// WatchPrefix subscribes to mutations of all keys under prefix
	// starting at fromRevision (zero to start from now).
	WatchPrefix(ctx context.Context, prefix string, fromRevision int64) (Watch, error)

	// Close releases the store client's resources.
	Close() error
}
