// Package streamtest provides an in-memory STOMP broker for exercising the
// stream connection and everything built on top of it.
package streamtest

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"

	"medqueue/internal/stream"
)

var ErrRefused = errors.New("streamtest: connection refused")

const bufferSize = 256

// pipeEnd is one side of an in-memory transport. A nil frame is a heart-beat.
type pipeEnd struct {
	recv   <-chan *frame.Frame
	send   chan<- *frame.Frame
	closed chan struct{}
	once   *sync.Once
}

func newPipe() (client, server *pipeEnd) {
	toServer := make(chan *frame.Frame, bufferSize)
	toClient := make(chan *frame.Frame, bufferSize)
	closed := make(chan struct{})
	once := &sync.Once{}
	client = &pipeEnd{recv: toClient, send: toServer, closed: closed, once: once}
	server = &pipeEnd{recv: toServer, send: toClient, closed: closed, once: once}
	return client, server
}

func (p *pipeEnd) ReadFrame() (*frame.Frame, error) {
	select {
	case <-p.closed:
		return nil, io.EOF
	default:
	}
	select {
	case f := <-p.recv:
		return f, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeEnd) WriteFrame(f *frame.Frame) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.send <- f:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type session struct {
	end  *pipeEnd
	subs map[string]string // subscription id -> destination
}

// Server is a minimal STOMP broker. It answers CONNECT, tracks SUBSCRIBE and
// UNSUBSCRIBE per session and records every client frame.
type Server struct {
	mu            sync.Mutex
	refuse        bool
	rejectConnect string
	heartBeat     string
	sessions      []*session
	received      []*frame.Frame
	dials         int
	nextMessageID int
}

func NewServer() *Server {
	return &Server{heartBeat: "0,0"}
}

// Dialer returns a stream.Dialer that connects to this server.
func (s *Server) Dialer() stream.Dialer {
	return stream.DialerFunc(s.dial)
}

func (s *Server) dial(ctx context.Context) (stream.Transport, error) {
	s.mu.Lock()
	s.dials++
	refuse := s.refuse
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if refuse {
		return nil, ErrRefused
	}
	client, server := newPipe()
	sess := &session{end: server, subs: map[string]string{}}
	go s.serve(sess)
	return client, nil
}

func (s *Server) serve(sess *session) {
	defer s.remove(sess)
	for {
		f, err := sess.end.ReadFrame()
		if err != nil {
			return
		}
		if f == nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, f)
		reject, hb := s.rejectConnect, s.heartBeat
		s.mu.Unlock()

		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			if reject != "" {
				_ = sess.end.WriteFrame(frame.New(frame.ERROR, frame.Message, reject))
				_ = sess.end.Close()
				return
			}
			s.mu.Lock()
			s.sessions = append(s.sessions, sess)
			s.mu.Unlock()
			_ = sess.end.WriteFrame(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, hb))
		case frame.SUBSCRIBE:
			s.mu.Lock()
			sess.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			s.mu.Unlock()
		case frame.UNSUBSCRIBE:
			s.mu.Lock()
			delete(sess.subs, f.Header.Get(frame.Id))
			s.mu.Unlock()
		case frame.DISCONNECT:
			_ = sess.end.Close()
			return
		}
	}
}

func (s *Server) remove(sess *session) {
	_ = sess.end.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.sessions {
		if cur == sess {
			s.sessions = append(s.sessions[:i:i], s.sessions[i+1:]...)
			return
		}
	}
}

// Refuse makes later dials fail until called again with false.
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	s.refuse = refuse
	s.mu.Unlock()
}

// RejectConnect answers later CONNECT frames with an ERROR carrying msg. An
// empty msg restores normal behaviour.
func (s *Server) RejectConnect(msg string) {
	s.mu.Lock()
	s.rejectConnect = msg
	s.mu.Unlock()
}

// SetHeartBeat sets the heart-beat header returned in CONNECTED. The server
// never actually sends heart-beats, so a non-zero first value lets tests
// provoke the client's watchdog.
func (s *Server) SetHeartBeat(v string) {
	s.mu.Lock()
	s.heartBeat = v
	s.mu.Unlock()
}

// Publish delivers body to every live subscription on destination and
// reports how many copies were sent.
func (s *Server) Publish(destination, body string) int {
	s.mu.Lock()
	type target struct {
		end *pipeEnd
		id  string
		mid string
	}
	var targets []target
	for _, sess := range s.sessions {
		for id, dest := range sess.subs {
			if dest != destination {
				continue
			}
			s.nextMessageID++
			targets = append(targets, target{end: sess.end, id: id, mid: strconv.Itoa(s.nextMessageID)})
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, t := range targets {
		f := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.Subscription, t.id,
			frame.MessageId, t.mid,
			frame.ContentType, "application/json",
		)
		f.Body = []byte(body)
		if t.end.WriteFrame(f) == nil {
			sent++
		}
	}
	return sent
}

// Inject writes f to every live session unchanged.
func (s *Server) Inject(f *frame.Frame) {
	s.mu.Lock()
	ends := make([]*pipeEnd, 0, len(s.sessions))
	for _, sess := range s.sessions {
		ends = append(ends, sess.end)
	}
	s.mu.Unlock()
	for _, end := range ends {
		_ = end.WriteFrame(f)
	}
}

// DropAll closes every live session as if the network had gone away.
func (s *Server) DropAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.end.Close()
	}
}

// Frames returns the client frames received with the given command, oldest
// first. An empty command returns all of them.
func (s *Server) Frames(command string) []*frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*frame.Frame
	for _, f := range s.received {
		if command == "" || f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// Subscriptions counts live subscriptions to destination across sessions.
func (s *Server) Subscriptions(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		for _, dest := range sess.subs {
			if dest == destination {
				n++
			}
		}
	}
	return n
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}
