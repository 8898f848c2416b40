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

	"github.com/m3db/m3election/store"

	"github.com/coreos/etcd/clientv3"
)

// Configuration is the config for an etcd-backed store.
type Configuration struct {
	Endpoints       []string       `yaml:"endpoints"`
	DialTimeout     *time.Duration `yaml:"dialTimeout"`
	RequestTimeout  *time.Duration `yaml:"requestTimeout"`
	WatchBufferSize *int           `yaml:"watchBufferSize"`
}

// NewOptions creates store options from the configuration.
func (cfg Configuration) NewOptions() Options {
	opts := NewOptions()
	if cfg.RequestTimeout != nil {
		opts = opts.SetRequestTimeout(*cfg.RequestTimeout)
	}
	if cfg.WatchBufferSize != nil {
		opts = opts.SetWatchBufferSize(*cfg.WatchBufferSize)
	}
	return opts
}

// NewStore dials the configured cluster and returns a store backed by it.
func (cfg Configuration) NewStore() (store.Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd store configuration must specify endpoints")
	}

	cliCfg := clientv3.Config{Endpoints: cfg.Endpoints}
	if cfg.DialTimeout != nil {
		cliCfg.DialTimeout = *cfg.DialTimeout
	}

	cli, err := clientv3.New(cliCfg)
	if err != nil {
		return nil, err
	}

	return NewStore(cli, cfg.NewOptions())
}
