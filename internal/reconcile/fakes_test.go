package reconcile_test

import (
	"context"
	"sync"
	"time"

	"medqueue/internal/broker"
	"medqueue/internal/event"
	"medqueue/internal/model"
	"medqueue/internal/stream"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var bg = context.Background()

type handle struct {
	fn        broker.Handler
	cancelled bool
}

type published struct {
	destination string
	ev          event.Event
}

// fakeBroker records subscriptions and publishes. Cancelled handlers are kept
// so tests can replay a delivery that raced with cancellation.
type fakeBroker struct {
	mu        sync.Mutex
	handles   map[string][]*handle
	published []published
	pubErr    error
	// onSubscribe runs after a subscription is registered, without the lock.
	onSubscribe func(topic string)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handles: map[string][]*handle{}}
}

func (f *fakeBroker) Subscribe(topic string, fn broker.Handler) broker.CancelFunc {
	f.mu.Lock()
	h := &handle{fn: fn}
	f.handles[topic] = append(f.handles[topic], h)
	hook := f.onSubscribe
	f.mu.Unlock()
	if hook != nil {
		hook(topic)
	}
	return func() {
		f.mu.Lock()
		h.cancelled = true
		f.mu.Unlock()
	}
}

func (f *fakeBroker) Publish(destination string, ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, published{destination: destination, ev: ev})
	return nil
}

func (f *fakeBroker) collect(topic string, includeCancelled bool) []broker.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broker.Handler
	for _, h := range f.handles[topic] {
		if includeCancelled || !h.cancelled {
			out = append(out, h.fn)
		}
	}
	return out
}

func (f *fakeBroker) deliver(topic string, ev event.Event) {
	for _, fn := range f.collect(topic, false) {
		fn(ev)
	}
}

func (f *fakeBroker) deliverStray(topic string, ev event.Event) {
	for _, fn := range f.collect(topic, true) {
		fn(ev)
	}
}

func (f *fakeBroker) active(topic string) int {
	return len(f.collect(topic, false))
}

func (f *fakeBroker) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type fakeConn struct {
	mu        sync.Mutex
	state     stream.State
	nextID    int
	listeners map[int]func(stream.State)
}

func newFakeConn() *fakeConn {
	return &fakeConn{listeners: map[int]func(stream.State){}}
}

func (c *fakeConn) State() stream.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) OnStateChange(fn func(stream.State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) set(s stream.State) {
	c.mu.Lock()
	c.state = s
	var fns []func(stream.State)
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *fakeConn) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

type fakeTokens struct {
	mu       sync.Mutex
	byStatus map[model.TokenStatus][]model.Token
	err      error
	calls    map[model.TokenStatus]int

	created   model.Token
	createErr error
	requests  []model.PatientTokenRequest
	eta       int64
	etaErr    error
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{
		byStatus: map[model.TokenStatus][]model.Token{},
		calls:    map[model.TokenStatus]int{},
	}
}

func (f *fakeTokens) ByStatus(_ context.Context, status model.TokenStatus) ([]model.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[status]++
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Token(nil), f.byStatus[status]...), nil
}

func (f *fakeTokens) CreatePatient(_ context.Context, req model.PatientTokenRequest) (model.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.created, f.createErr
}

func (f *fakeTokens) ETA(context.Context, int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eta, f.etaErr
}

func (f *fakeTokens) set(status model.TokenStatus, tokens ...model.Token) {
	f.mu.Lock()
	f.byStatus[status] = tokens
	f.mu.Unlock()
}

func (f *fakeTokens) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTokens) callCount(status model.TokenStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[status]
}

type fakeAdmin struct {
	mu           sync.Mutex
	summary      model.Summary
	summaryErr   error
	emergencies  []model.Token
	doctors      []model.DoctorLoad
	stats        []model.ServiceStats
	statsErr     error
	actionErr    error
	services     []model.Service
	servicesErr  error
	counters     []model.Counter
	summaryCalls int
	loads        int
	approved     []int64
	rejected     []int64
}

func (f *fakeAdmin) Summary(context.Context) (model.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaryCalls++
	return f.summary, f.summaryErr
}

func (f *fakeAdmin) PendingEmergencies(context.Context) ([]model.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return append([]model.Token(nil), f.emergencies...), nil
}

func (f *fakeAdmin) DoctorLoad(context.Context) ([]model.DoctorLoad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DoctorLoad(nil), f.doctors...), nil
}

func (f *fakeAdmin) ServiceStats(context.Context) ([]model.ServiceStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ServiceStats(nil), f.stats...), f.statsErr
}

func (f *fakeAdmin) ApproveEmergency(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return f.actionErr
	}
	f.approved = append(f.approved, id)
	return nil
}

func (f *fakeAdmin) RejectEmergency(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return f.actionErr
	}
	f.rejected = append(f.rejected, id)
	return nil
}

func (f *fakeAdmin) CreateService(_ context.Context, svc model.Service) (model.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return model.Service{}, f.actionErr
	}
	svc.ID = int64(len(f.services) + 1)
	f.services = append(f.services, svc)
	return svc, nil
}

func (f *fakeAdmin) CreateCounter(_ context.Context, req model.CounterRequest) (model.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.actionErr != nil {
		return model.Counter{}, f.actionErr
	}
	c := model.Counter{ID: int64(len(f.counters) + 1), Name: req.Name, Status: req.Status}
	f.counters = append(f.counters, c)
	return c, nil
}

func (f *fakeAdmin) Services(context.Context) ([]model.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Service(nil), f.services...), f.servicesErr
}

func (f *fakeAdmin) Counters(context.Context) ([]model.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Counter(nil), f.counters...), nil
}

func (f *fakeAdmin) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type fakeCounters struct {
	mu        sync.Mutex
	next      model.Token
	nextErr   error
	actionErr error
	statusErr error
	completed []int64
	skipped   []int64
	statuses  []model.CounterStatus
}

func (f *fakeCounters) CallNext(context.Context, int64, int64) (model.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, f.nextErr
}

func (f *fakeCounters) Complete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return f.actionErr
}

func (f *fakeCounters) Skip(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped = append(f.skipped, id)
	return f.actionErr
}

func (f *fakeCounters) SetStatus(_ context.Context, _ int64, status model.CounterStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeAdmin) summaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaryCalls
}
