// Package stream maintains the single STOMP session to the backend event
// stream: it dials, negotiates heart-beats, reconnects forever after a fixed
// delay and fans connection state out to registered listeners.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"

	"medqueue/internal/metrics"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNotConnected = errors.New("stream: not connected")
	ErrRejected     = errors.New("stream: connect rejected")
	ErrServer       = errors.New("stream: server error")
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultHeartbeat      = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Transport carries whole STOMP frames. A nil frame is a heart-beat in both
// directions.
type Transport interface {
	ReadFrame() (*frame.Frame, error)
	WriteFrame(f *frame.Frame) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

type MessageHandler func(*frame.Frame)

type Options struct {
	Dialer Dialer
	// Host is sent as the STOMP host header.
	Host           string
	ReconnectDelay time.Duration
	// Heartbeat is the interval offered in both directions. Negative disables
	// heart-beating.
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	// ConnectHeaders is consulted on every attempt so a refreshed credential
	// is picked up by the next reconnect.
	ConnectHeaders func() map[string]string
	Logger         *zerolog.Logger
	Metrics        *metrics.Collectors
}

type listener struct {
	fn func(State)
}

// Conn is the process-wide connection manager. The zero value is not usable;
// construct with New.
type Conn struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Collectors

	activateOnce sync.Once
	closeOnce    sync.Once
	stop         chan struct{}
	done         chan struct{}

	mu        sync.Mutex
	state     State
	session   uint64
	transport Transport
	listeners []*listener
	handler   MessageHandler

	writeMu sync.Mutex
}

func New(opts Options) *Conn {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "stream").Logger()
	}
	return &Conn{
		opts:    opts,
		log:     log,
		metrics: opts.Metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Activate starts the connection loop. Only the first call has an effect; the
// loop runs until ctx ends or Close is called.
func (c *Conn) Activate(ctx context.Context) {
	c.activateOnce.Do(func() {
		go c.run(ctx)
	})
}

// Close stops the connection loop and waits for it to exit.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	c.activateOnce.Do(func() { close(c.done) })
	<-c.done
	return nil
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session is incremented every time a session reaches Connected.
func (c *Conn) Session() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Status reports the state and session number together.
func (c *Conn) Status() (State, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.session
}

// OnStateChange registers fn for every later state transition. Listeners run
// in registration order on the connection goroutine, without locks held.
func (c *Conn) OnStateChange(fn func(State)) (remove func()) {
	l := &listener{fn: fn}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, cur := range c.listeners {
				if cur == l {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SetHandler installs the receiver for MESSAGE frames. It is called on the
// read goroutine in arrival order.
func (c *Conn) SetHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Send writes f on the live session.
func (c *Conn) Send(f *frame.Frame) error {
	c.mu.Lock()
	t, state := c.transport, c.state
	c.mu.Unlock()
	if state != Connected || t == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	err := t.WriteFrame(f)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", f.Command, err)
	}
	c.metrics.FrameOut(f.Command)
	return nil
}

func (c *Conn) setState(s State, t Transport) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	if s == Connected {
		c.session++
		c.transport = t
	} else {
		c.transport = nil
	}
	ls := make([]*listener, len(c.listeners))
	copy(ls, c.listeners)
	c.mu.Unlock()

	c.metrics.SetConnectionState(int(s))
	c.log.Debug().Stringer("state", s).Msg("state change")
	for _, l := range ls {
		l.fn(s)
	}
}

func (c *Conn) run(parent context.Context) {
	defer close(c.done)
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.Reconnect()
		}
		c.setState(Connecting, nil)
		err := c.connectAndServe(ctx)
		c.setState(Disconnected, nil)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrRejected) {
			c.log.Warn().Err(err).Dur("retry_in", c.opts.ReconnectDelay).Msg("connect rejected")
		} else {
			c.log.Debug().Err(err).Dur("retry_in", c.opts.ReconnectDelay).Msg("connection lost")
		}

		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Conn) connectAndServe(ctx context.Context) error {
	t, err := c.opts.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer t.Close()
	stopAfter := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stopAfter()

	offer := "0,0"
	if c.opts.Heartbeat > 0 {
		ms := c.opts.Heartbeat.Milliseconds()
		offer = fmt.Sprintf("%d,%d", ms, ms)
	}
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, c.opts.Host,
		frame.HeartBeat, offer,
	)
	if c.opts.ConnectHeaders != nil {
		for k, v := range c.opts.ConnectHeaders() {
			connect.Header.Set(k, v)
		}
	}
	if err := t.WriteFrame(connect); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}
	c.metrics.FrameOut(frame.CONNECT)

	timeout := time.AfterFunc(c.opts.ConnectTimeout, func() { _ = t.Close() })
	reply, err := readFrame(t)
	timeout.Stop()
	if err != nil {
		return fmt.Errorf("await connected: %w", err)
	}
	c.metrics.FrameIn(reply.Command)
	switch reply.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		return fmt.Errorf("%w: %s", ErrRejected, reply.Header.Get(frame.Message))
	default:
		return fmt.Errorf("unexpected %s frame before CONNECTED", reply.Command)
	}

	send, expect := negotiate(c.opts.Heartbeat, reply.Header.Get(frame.HeartBeat))
	sessCtx, endSession := context.WithCancel(ctx)
	defer endSession()

	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())
	if send > 0 {
		go c.sendHeartbeats(sessCtx, t, send)
	}
	if expect > 0 {
		go c.watch(sessCtx, t, expect, &lastRead)
	}

	c.setState(Connected, t)
	c.log.Info().
		Str("version", reply.Header.Get(frame.Version)).
		Dur("heartbeat_out", send).
		Dur("heartbeat_in", expect).
		Msg("connected")
	return c.readLoop(t, &lastRead)
}

func (c *Conn) readLoop(t Transport, lastRead *atomic.Int64) error {
	for {
		f, err := t.ReadFrame()
		if err != nil {
			return err
		}
		lastRead.Store(time.Now().UnixNano())
		if f == nil {
			continue
		}
		c.metrics.FrameIn(f.Command)
		switch f.Command {
		case frame.MESSAGE:
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(f)
			}
		case frame.ERROR:
			return fmt.Errorf("%w: %s", ErrServer, f.Header.Get(frame.Message))
		}
	}
}

func (c *Conn) sendHeartbeats(ctx context.Context, t Transport, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := t.WriteFrame(nil)
			c.writeMu.Unlock()
			if err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

// watch drops the session once the server has been silent for more than
// twice the negotiated incoming interval.
func (c *Conn) watch(ctx context.Context, t Transport, every time.Duration, lastRead *atomic.Int64) {
	limit := 2 * every
	ticker := time.NewTicker(every / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, lastRead.Load()))
			if silent > limit {
				c.metrics.HeartbeatTimeout()
				c.log.Warn().Dur("silent_for", silent).Msg("server heart-beat missed")
				_ = t.Close()
				return
			}
		}
	}
}

func readFrame(t Transport) (*frame.Frame, error) {
	for {
		f, err := t.ReadFrame()
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
}

// negotiate applies the STOMP 1.2 heart-beat rules to our offer and the
// server's CONNECTED header. It returns how often we must send and how often
// we should hear from the server; zero disables either side.
func negotiate(offer time.Duration, serverHeader string) (send, expect time.Duration) {
	if offer < 0 {
		offer = 0
	}
	if serverHeader == "" {
		return 0, 0
	}
	sx, sy, err := frame.ParseHeartBeat(serverHeader)
	if err != nil {
		return 0, 0
	}
	if offer > 0 && sy > 0 {
		send = max(offer, sy)
	}
	if offer > 0 && sx > 0 {
		expect = max(offer, sx)
	}
	return send, expect
}
