package election

import (
	"errors"
	"time"

	"github.com/m3db/m3x/instrument"
	xretry "github.com/m3db/m3x/retry"
)

const (
	defaultNamespace = "election"
	defaultTTL       = 60 * time.Second
)

// Options describe options for creating an election session.
type Options interface {
	// Namespace is the top-level key prefix under which candidate keys
	// for all elections are stored.
	Namespace() string
	SetNamespace(ns string) Options

	// TTL is the time-to-live of the lease backing the session's
	// candidate key. A crashed process's candidacy disappears once its
	// lease goes unrefreshed for this long.
	TTL() time.Duration
	SetTTL(ttl time.Duration) Options

	// ObserveRetryOptions configure the backoff applied between
	// consecutive failed observation cycles.
	ObserveRetryOptions() xretry.Options
	SetObserveRetryOptions(ro xretry.Options) Options

	InstrumentOptions() instrument.Options
	SetInstrumentOptions(io instrument.Options) Options

	Validate() error
}

// NewOptions returns an instance of election options with defaults.
func NewOptions() Options {
	return options{
		namespace: defaultNamespace,
		ttl:       defaultTTL,
		retryOpts: xretry.NewOptions().
			SetInitialBackoff(time.Second).
			SetBackoffFactor(2).
			SetMaxBackoff(time.Minute).
			SetJitter(true).
			SetForever(true),
		iopts: instrument.NewOptions(),
	}
}

type options struct {
	namespace string
	ttl       time.Duration
	retryOpts xretry.Options
	iopts     instrument.Options
}

func (o options) Namespace() string {
	return o.namespace
}

func (o options) SetNamespace(ns string) Options {
	o.namespace = ns
	return o
}

func (o options) TTL() time.Duration {
	return o.ttl
}

func (o options) SetTTL(ttl time.Duration) Options {
	o.ttl = ttl
	return o
}

func (o options) ObserveRetryOptions() xretry.Options {
	return o.retryOpts
}

func (o options) SetObserveRetryOptions(ro xretry.Options) Options {
	o.retryOpts = ro
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
	if o.namespace == "" {
		return errors.New("election options must specify a namespace")
	}

	if o.ttl <= 0 {
		return errors.New("election options TTL must be positive")
	}

	if o.retryOpts == nil {
		return errors.New("election options observe retry options cannot be nil")
	}

	if o.iopts == nil {
		return errors.New("election options instrument options cannot be nil")
	}

	return nil
}
