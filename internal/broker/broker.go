// Package broker multiplexes many independent subscriptions over the single
// stream connection. Subscriptions made while offline wait for the next
// Connected transition, live ones are re-issued after every reconnect and a
// cancelled one is never delivered to again.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"medqueue/internal/event"
	"medqueue/internal/metrics"
	"medqueue/internal/stream"
)

const (
	TopicQueueUpdates    = "/topic/queue-updates"
	TopicDisplayBoard    = "/topic/display-board"
	TopicCounterUpdates  = "/topic/counter-updates"
	DestinationKioskHelp = "/app/kiosk-help"
)

// PatientTopic is the per-token topic a kiosk watches after issuing.
func PatientTopic(tokenNumber string) string {
	return "/topic/patient/" + tokenNumber
}

type Handler func(event.Event)

// CancelFunc retires a subscription. It is idempotent and safe to call from
// inside the subscription's own handler.
type CancelFunc func()

// Conn is the part of *stream.Conn the broker relies on.
type Conn interface {
	Activate(ctx context.Context)
	Status() (stream.State, uint64)
	Send(f *frame.Frame) error
	OnStateChange(fn func(stream.State)) func()
	SetHandler(h stream.MessageHandler)
}

type SubState int32

const (
	Pending SubState = iota
	Active
	Cancelled
)

func (s SubState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("substate(%d)", int32(s))
	}
}

type Stats struct {
	Pending   int   `json:"pending"`
	Active    int   `json:"active"`
	Cancelled int   `json:"cancelled"`
	Delivered int64 `json:"delivered"`
	Raw       int64 `json:"raw"`
}

type subscription struct {
	id      string
	topic   string
	handler Handler
	state   atomic.Int32
	// session the SUBSCRIBE frame was last sent on; guarded by Broker.mu.
	session uint64
}

func (s *subscription) current() SubState { return SubState(s.state.Load()) }

type Broker struct {
	ctx      context.Context
	conn     Conn
	log      zerolog.Logger
	metrics  *metrics.Collectors
	activate sync.Once

	mu             sync.Mutex
	byID           map[string]*subscription
	order          []*subscription
	retired        int
	removeListener func()

	delivered atomic.Int64
	raw       atomic.Int64
}

type Option func(*Broker)

func WithLogger(log *zerolog.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log.With().Str("component", "broker").Logger()
		}
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(b *Broker) { b.metrics = m }
}

// New attaches a broker to conn. ctx bounds the connection once the first
// subscription activates it.
func New(ctx context.Context, conn Conn, opts ...Option) *Broker {
	b := &Broker{
		ctx:  ctx,
		conn: conn,
		log:  zerolog.Nop(),
		byID: map[string]*subscription{},
	}
	for _, opt := range opts {
		opt(b)
	}
	conn.SetHandler(b.dispatch)
	b.removeListener = conn.OnStateChange(b.onState)
	return b
}

// Subscribe registers handler for topic. When the connection is up the
// SUBSCRIBE frame is sent before Subscribe returns; otherwise the
// subscription stays pending until the next Connected transition.
func (b *Broker) Subscribe(topic string, handler Handler) CancelFunc {
	sub := &subscription{id: uuid.NewString(), topic: topic, handler: handler}

	b.mu.Lock()
	b.byID[sub.id] = sub
	b.order = append(b.order, sub)
	if state, session := b.conn.Status(); state == stream.Connected {
		b.issueLocked(sub, session)
	}
	b.mu.Unlock()

	b.activateConn()
	b.publishGauge()

	var once sync.Once
	return func() {
		once.Do(func() { b.cancel(sub) })
	}
}

// Publish encodes ev and sends it to destination on the live session.
func (b *Broker) Publish(destination string, ev event.Event) error {
	body, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	b.activateConn()
	if err := b.conn.Send(f); err != nil {
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	st := Stats{Cancelled: b.retired}
	for _, sub := range b.order {
		switch sub.current() {
		case Pending:
			st.Pending++
		case Active:
			st.Active++
		}
	}
	b.mu.Unlock()
	st.Delivered = b.delivered.Load()
	st.Raw = b.raw.Load()
	return st
}

// Close cancels every subscription and detaches from the connection.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.order...)
	remove := b.removeListener
	b.removeListener = nil
	b.mu.Unlock()

	for _, sub := range subs {
		b.cancel(sub)
	}
	if remove != nil {
		remove()
	}
	b.conn.SetHandler(nil)
}

func (b *Broker) activateConn() {
	b.activate.Do(func() { b.conn.Activate(b.ctx) })
}

// issueLocked sends SUBSCRIBE for sub on session. On failure the
// subscription keeps its previous session and is retried on the next
// Connected transition.
func (b *Broker) issueLocked(sub *subscription, session uint64) {
	if sub.current() == Cancelled || sub.session == session {
		return
	}
	f := frame.New(frame.SUBSCRIBE,
		frame.Id, sub.id,
		frame.Destination, sub.topic,
		frame.Ack, "auto",
	)
	if err := b.conn.Send(f); err != nil {
		b.log.Debug().Err(err).Str("topic", sub.topic).Msg("subscribe deferred")
		return
	}
	first := sub.state.CompareAndSwap(int32(Pending), int32(Active))
	sub.session = session
	b.log.Debug().
		Str("topic", sub.topic).
		Str("id", sub.id).
		Uint64("session", session).
		Bool("restored", !first).
		Msg("subscribed")
}

func (b *Broker) onState(s stream.State) {
	if s == stream.Connected {
		b.mu.Lock()
		if state, session := b.conn.Status(); state == stream.Connected {
			for _, sub := range b.order {
				b.issueLocked(sub, session)
			}
		}
		b.mu.Unlock()
	}
	b.publishGauge()
}

func (b *Broker) cancel(sub *subscription) {
	b.mu.Lock()
	prev := SubState(sub.state.Swap(int32(Cancelled)))
	if prev == Cancelled {
		b.mu.Unlock()
		return
	}
	delete(b.byID, sub.id)
	for i, cur := range b.order {
		if cur == sub {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	b.retired++
	if state, session := b.conn.Status(); prev == Active && state == stream.Connected && sub.session == session {
		if err := b.conn.Send(frame.New(frame.UNSUBSCRIBE, frame.Id, sub.id)); err != nil {
			b.log.Debug().Err(err).Str("topic", sub.topic).Msg("unsubscribe not sent")
		}
	}
	b.mu.Unlock()
	b.publishGauge()
}

// dispatch runs on the connection's read goroutine. Frames are routed by
// subscription id, or by destination when the server omits the id.
func (b *Broker) dispatch(f *frame.Frame) {
	var targets []*subscription
	b.mu.Lock()
	if id := f.Header.Get(frame.Subscription); id != "" {
		if sub, ok := b.byID[id]; ok {
			targets = append(targets, sub)
		}
	} else {
		dest := f.Header.Get(frame.Destination)
		for _, sub := range b.order {
			if sub.topic == dest && sub.current() == Active {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if sub.current() == Cancelled {
			continue
		}
		ev, ok := event.Decode(f.Body)
		if !ok {
			b.raw.Add(1)
			b.metrics.DecodeFallback()
		}
		b.deliver(sub, ev)
	}
}

func (b *Broker) deliver(sub *subscription, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.HandlerPanic()
			b.log.Error().Interface("panic", r).Str("topic", sub.topic).Msg("subscription handler panicked")
		}
	}()
	sub.handler(ev)
	b.delivered.Add(1)
	b.metrics.Delivered(string(ev.Kind()))
}

func (b *Broker) publishGauge() {
	if b.metrics == nil {
		return
	}
	st := b.Stats()
	b.metrics.SetSubscriptions(st.Pending, st.Active, st.Cancelled)
}
