package handlers

import (
	"net/http"
	"time"

	"medqueue/internal/broker"
	"medqueue/internal/stream"
)

// ConnectionStatus is satisfied by *stream.Conn.
type ConnectionStatus interface {
	Status() (stream.State, uint64)
}

// SubscriptionStats is satisfied by *broker.Broker.
type SubscriptionStats interface {
	Stats() broker.Stats
}

// Status serves the local status endpoints of a running screen. View returns
// the screen's current view state; nil disables the view endpoint.
type Status struct {
	Screen  string
	Conn    ConnectionStatus
	Broker  SubscriptionStats
	View    func() any
	Started time.Time
	Now     func() time.Time
}

func New(screen string, conn ConnectionStatus, b SubscriptionStats, view func() any) *Status {
	return &Status{
		Screen:  screen,
		Conn:    conn,
		Broker:  b,
		View:    view,
		Started: time.Now(),
		Now:     time.Now,
	}
}

func (s *Status) Health(w http.ResponseWriter, _ *http.Request) {
	state, session := s.Conn.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"screen":     s.Screen,
		"connection": state.String(),
		"session":    session,
		"uptime":     s.Now().Sub(s.Started).Round(time.Second).String(),
	})
}

// Ready answers 503 until the stream connection is up.
func (s *Status) Ready(w http.ResponseWriter, _ *http.Request) {
	state, _ := s.Conn.Status()
	if state != stream.Connected {
		writeErr(w, http.StatusServiceUnavailable, "NOT_CONNECTED", "stream connection is "+state.String())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": state.String()})
}

func (s *Status) Subscriptions(w http.ResponseWriter, _ *http.Request) {
	if s.Broker == nil {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no subscriptions on this screen")
		return
	}
	writeJSON(w, http.StatusOK, s.Broker.Stats())
}

func (s *Status) ViewState(w http.ResponseWriter, _ *http.Request) {
	if s.View == nil {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no view state on this screen")
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}
