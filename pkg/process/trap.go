package process

import (
	"os"
	gosignal "os/signal"
	"sync"
	"sync/atomic"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// Flag is a one-way latch set from a signal disposition. The zero value is
// ready to use.
type Flag struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
}

func (f *Flag) doneChan() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(chan struct{})
	}
	return f.done
}

// Set latches the flag. Setting an already set flag is a no-op.
func (f *Flag) Set() {
	f.set.Store(true)
	f.once.Do(func() { close(f.doneChan()) })
}

// IsSet reports whether Set has been called.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}

// Done returns a channel that is closed once the flag is set.
func (f *Flag) Done() <-chan struct{} {
	return f.doneChan()
}

// Disposition says what happens when a trapped signal arrives. No other
// code runs on delivery.
type Disposition struct {
	// Reap collects every exited child without blocking.
	Reap bool
	// Exits, if set, receives each reaped child. Sends never block; exits
	// are dropped when the channel is full.
	Exits chan<- Exit
	// Dropped, if set, counts the exits that did not fit in Exits.
	Dropped *atomic.Uint64
	// Flag, if set, is latched after reaping.
	Flag *Flag
}

func (d Disposition) validate() error {
	if !d.Reap && d.Flag == nil {
		return errors.Wrap(errdefs.ErrInvalidArgument, "disposition does nothing")
	}
	if d.Exits != nil && !d.Reap {
		return errors.Wrap(errdefs.ErrInvalidArgument, "exits channel requires Reap")
	}
	if d.Dropped != nil && d.Exits == nil {
		return errors.Wrap(errdefs.ErrInvalidArgument, "drop counter requires an exits channel")
	}
	return nil
}

func (d Disposition) apply() {
	if d.Reap {
		for {
			e, ok, err := ReapNonBlocking()
			if err != nil || !ok {
				break
			}
			if d.Exits != nil {
				select {
				case d.Exits <- e:
				default:
					if d.Dropped != nil {
						d.Dropped.Add(1)
					}
				}
			}
		}
	}
	if d.Flag != nil {
		d.Flag.Set()
	}
}

// Trap is an installed disposition.
type Trap struct {
	c    chan os.Signal
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// InstallHandler applies d every time sig is delivered, until the returned
// Trap is stopped.
func InstallHandler(sig os.Signal, d Disposition) (*Trap, error) {
	if sig == nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "no signal given")
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	t := &Trap{
		c:    make(chan os.Signal, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	gosignal.Notify(t.c, sig)
	go t.run(d)
	return t, nil
}

func (t *Trap) run(d Disposition) {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.c:
			d.apply()
		}
	}
}

// Stop uninstalls the trap and waits for an in-flight disposition to
// finish. It is safe to call more than once.
func (t *Trap) Stop() {
	t.once.Do(func() {
		gosignal.Stop(t.c)
		close(t.stop)
	})
	<-t.done
}
