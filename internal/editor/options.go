package editor

import (
	"time"

	"sitepress/api/internal/clock"
	"sitepress/api/internal/logger"
)

const (
	DefaultLockTTL    = 300 * time.Second
	DefaultRenewEvery = 60 * time.Second
	DefaultPollEvery  = 90 * time.Second
)

// Options tune a Session and its LockManager. Zero values take the defaults.
type Options struct {
	LockTTL    time.Duration
	RenewEvery time.Duration
	PollEvery  time.Duration
	// ManualLock turns off acquiring the lock when the session enters draft.
	ManualLock bool
	Clock      clock.Clock
	Logger     *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.RenewEvery <= 0 {
		o.RenewEvery = DefaultRenewEvery
	}
	if o.RenewEvery >= o.LockTTL {
		o.RenewEvery = o.LockTTL / 2
	}
	if o.PollEvery <= 0 {
		o.PollEvery = DefaultPollEvery
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}
