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

package etcd

import (
	"errors"
	"time"

	"github.com/m3db/m3x/instrument"
)

const (
	defaultRequestTimeout  = 10 * time.Second
	defaultWatchBufferSize = 128
)

// Options describe options for creating an etcd-backed store.
type Options interface {
	// RequestTimeout bounds unary store requests (reads, writes,
	// transactions). It does not apply to watches.
	RequestTimeout() time.Duration
	SetRequestTimeout(t time.Duration) Options

	// WatchBufferSize is the per-watch event buffer between the etcd
	// stream and the consumer.
	WatchBufferSize() int
	SetWatchBufferSize(n int) Options

	InstrumentOptions() instrument.Options
	SetInstrumentOptions(io instrument.Options) Options

	Validate() error
}

// NewOptions returns an instance of etcd store options with defaults.
func NewOptions() Options {
	return options{
		requestTimeout:  defaultRequestTimeout,
		watchBufferSize: defaultWatchBufferSize,
		iopts:           instrument.NewOptions(),
	}
}

type options struct {
	requestTimeout  time.Duration
	watchBufferSize int
	iopts           instrument.Options
}

func (o options) RequestTimeout() time.Duration {
	return o.requestTimeout
}

func (o options) SetRequestTimeout(t time.Duration) Options {
	o.requestTimeout = t
	return o
}

func (o options) WatchBufferSize() int {
	return o.watchBufferSize
}

func (o options) SetWatchBufferSize(n int) Options {
	o.watchBufferSize = n
	return o
}

func (o options) InstrumentOptions() instrument.Options {
	return o.iopts
}

func (o options) SetInstrumentOptions(io instrument.Options) Options {
	o.iopts = io
	return o
}

func (o options) Validate() error {
	if o.watchBufferSize <= 0 {
		return errors.New("etcd store options watch buffer size must be positive")
	}

	if o.iopts == nil {
		return errors.New("etcd store options instrument options cannot be nil")
	}

	return nil
}
