// Package reconcile keeps the per-screen view state of the queue client
// consistent with two sources: REST snapshots fetched on demand and the live
// event stream. Each reconciler owns one state value, hands out copies of it
// and notifies listeners after every change.
package reconcile

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"medqueue/internal/broker"
	"medqueue/internal/event"
	"medqueue/internal/schedule"
	"medqueue/internal/stream"
)

// Subscriber is satisfied by *broker.Broker.
type Subscriber interface {
	Subscribe(topic string, handler broker.Handler) broker.CancelFunc
}

// Publisher is satisfied by *broker.Broker.
type Publisher interface {
	Publish(destination string, ev event.Event) error
}

// ConnectionObserver is satisfied by *stream.Conn.
type ConnectionObserver interface {
	State() stream.State
	OnStateChange(fn func(stream.State)) func()
}

type changeListener[S any] struct {
	id uint64
	fn func(S)
}

// base carries what every reconciler shares: the guarded state value, the
// liveness flag, change listeners and the cleanups run on close.
type base[S any] struct {
	log   zerolog.Logger
	clone func(S) S

	mu        sync.Mutex
	state     S
	closed    bool
	listeners []changeListener[S]
	nextID    uint64
	cleanups  []func()
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (b *base[S]) init(component string, log *zerolog.Logger, clone func(S) S) {
	b.log = zerolog.Nop()
	if log != nil {
		b.log = log.With().Str("component", component).Logger()
	}
	b.clone = clone
	b.ctx, b.cancel = context.WithCancel(context.Background())
}

// begin links the background context to parent and reports whether this is
// the first call.
func (b *base[S]) begin(parent context.Context) bool {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return false
	}
	b.started = true
	b.mu.Unlock()
	stop := context.AfterFunc(parent, b.cancel)
	b.addCleanup(func() { stop() })
	return true
}

func (b *base[S]) State() S {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clone(b.state)
}

// OnChange registers fn to receive a copy of the state after every change.
// Listeners run on whichever goroutine made the change, without locks held.
func (b *base[S]) OnChange(fn func(S)) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, changeListener[S]{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// update applies fn unless the reconciler is closed. Listeners are notified
// only when fn reports a change.
func (b *base[S]) update(fn func(*S) bool) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if !fn(&b.state) {
		b.mu.Unlock()
		return false
	}
	snap := b.clone(b.state)
	listeners := append([]changeListener[S](nil), b.listeners...)
	b.mu.Unlock()

	for _, l := range listeners {
		l.fn(snap)
	}
	return true
}

func (b *base[S]) alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *base[S]) addCleanup(fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		fn()
		return
	}
	b.cleanups = append(b.cleanups, fn)
	b.mu.Unlock()
}

// spawn runs fn off the caller's goroutine with the reconciler's context.
// Close waits for spawned work to return.
func (b *base[S]) spawn(fn func(ctx context.Context)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.wg.Go(func() { fn(b.ctx) })
}

// subscribe routes topic deliveries to fn while the reconciler is alive.
func (b *base[S]) subscribe(sub Subscriber, topic string, fn broker.Handler) {
	cancel := sub.Subscribe(topic, func(ev event.Event) {
		if b.alive() {
			fn(ev)
		}
	})
	b.addCleanup(func() { cancel() })
}

// track mirrors the connection state through set and calls onReconnect on
// every transition into Connected.
func (b *base[S]) track(obs ConnectionObserver, set func(*S, bool) bool, onReconnect func()) {
	remove := obs.OnStateChange(func(st stream.State) {
		up := st == stream.Connected
		b.update(func(s *S) bool { return set(s, up) })
		if up && onReconnect != nil && b.alive() {
			onReconnect()
		}
	})
	b.addCleanup(remove)
	up := obs.State() == stream.Connected
	b.update(func(s *S) bool { return set(s, up) })
}

// schedule registers job on sched, or on a private scheduler owned by the
// reconciler when sched is nil. An empty spec disables the job. The job is
// removed from a shared scheduler on close so the name can be reused.
func (b *base[S]) schedule(sched *schedule.Scheduler, name, spec string, job schedule.Job) error {
	if spec == "" {
		return nil
	}
	owned := sched == nil
	if owned {
		sched = schedule.New(&b.log)
	}
	if err := sched.Add(name, spec, func(ctx context.Context) {
		if b.alive() {
			job(ctx)
		}
	}); err != nil {
		return err
	}
	if owned {
		sched.Start()
		b.addCleanup(sched.Stop)
	} else {
		b.addCleanup(func() { sched.Remove(name) })
	}
	return nil
}

// close marks the reconciler dead, runs cleanups in reverse order and waits
// for spawned work.
func (b *base[S]) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cleanups := b.cleanups
	b.cleanups = nil
	b.listeners = nil
	b.mu.Unlock()

	b.cancel()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	b.wg.Wait()
}

func errorText(action string, err error) string {
	if err == nil {
		return ""
	}
	return action + ": " + err.Error()
}
