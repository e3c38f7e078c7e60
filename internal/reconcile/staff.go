package reconcile

import (
	"context"
	"errors"
	"slices"

	"github.com/rs/zerolog"

	"medqueue/internal/broker"
	"medqueue/internal/event"
	"medqueue/internal/model"
)

var (
	ErrSelectionRequired = errors.New("select both counter and department")
	ErrNoToken           = errors.New("no token held")
)

// CounterActions is satisfied by *sdk.CountersService.
type CounterActions interface {
	CallNext(ctx context.Context, counterID, serviceTypeID int64) (model.Token, error)
	Complete(ctx context.Context, tokenID int64) error
	Skip(ctx context.Context, tokenID int64) error
}

// CounterStatusUpdater changes a counter's availability. *sdk.CountersService
// implements it against PUT /api/counters/{id}/status.
type CounterStatusUpdater interface {
	SetStatus(ctx context.Context, counterID int64, status model.CounterStatus) error
}

// CatalogFetcher is satisfied by *sdk.AdminService.
type CatalogFetcher interface {
	Services(ctx context.Context) ([]model.Service, error)
	Counters(ctx context.Context) ([]model.Counter, error)
}

type StaffState struct {
	Connected bool            `json:"connected"`
	Services  []model.Service `json:"services"`
	Counters  []model.Counter `json:"counters"`
	CounterID int64           `json:"counterId,omitempty"`
	ServiceID int64           `json:"serviceId,omitempty"`
	Current   *model.Token    `json:"current"`
	OnBreak   bool            `json:"onBreak"`
	Loading   bool            `json:"loading"`
	LastEvent event.Event     `json:"lastEvent,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (s StaffState) clone() StaffState {
	s.Services = slices.Clone(s.Services)
	s.Counters = slices.Clone(s.Counters)
	if s.Current != nil {
		cur := *s.Current
		s.Current = &cur
	}
	return s
}

type StaffOptions struct {
	Logger *zerolog.Logger
	// Initial selection, usually from config.
	CounterID int64
	ServiceID int64
}

// Staff is the counter console: it holds the token assigned to the selected
// counter and drives it through call, complete and skip.
type Staff struct {
	base[StaffState]

	sub      Subscriber
	conn     ConnectionObserver
	counters CounterActions
	status   CounterStatusUpdater
	catalog  CatalogFetcher
}

func NewStaff(sub Subscriber, conn ConnectionObserver, counters CounterActions, status CounterStatusUpdater, catalog CatalogFetcher, opts StaffOptions) *Staff {
	s := &Staff{sub: sub, conn: conn, counters: counters, status: status, catalog: catalog}
	s.init("staff", opts.Logger, StaffState.clone)
	s.state.CounterID = opts.CounterID
	s.state.ServiceID = opts.ServiceID
	return s
}

func (s *Staff) Start(ctx context.Context) error {
	if !s.begin(ctx) {
		return nil
	}
	s.track(s.conn, func(st *StaffState, up bool) bool {
		changed := st.Connected != up
		st.Connected = up
		return changed
	}, nil)
	s.subscribe(s.sub, broker.TopicCounterUpdates, s.onEvent)
	s.subscribe(s.sub, broker.TopicQueueUpdates, s.onEvent)
	s.spawn(s.Reload)
	return nil
}

func (s *Staff) Close() { s.close() }

func (s *Staff) DismissError() {
	s.update(func(st *StaffState) bool {
		changed := st.Error != ""
		st.Error = ""
		return changed
	})
}

// Reload fetches the department and counter lists. Each failure is reported
// on its own and leaves the other list intact.
func (s *Staff) Reload(ctx context.Context) {
	services, err := s.catalog.Services(ctx)
	s.update(func(st *StaffState) bool {
		if err != nil {
			st.Error = errorText("load departments", err)
			return true
		}
		st.Services = slices.Clone(services)
		return true
	})
	counters, err := s.catalog.Counters(ctx)
	s.update(func(st *StaffState) bool {
		if err != nil {
			st.Error = errorText("load counters", err)
			return true
		}
		st.Counters = slices.Clone(counters)
		st.OnBreak = counterStatus(counters, st.CounterID) == model.CounterStatusOnBreak
		return true
	})
}

// Select changes the counter and department the console works for.
func (s *Staff) Select(counterID, serviceID int64) {
	s.update(func(st *StaffState) bool {
		st.CounterID = counterID
		st.ServiceID = serviceID
		st.OnBreak = counterStatus(st.Counters, counterID) == model.CounterStatusOnBreak
		return true
	})
}

// onEvent merges stream events into the station. LastEvent records the last
// event that changed it; anything else is dropped without notifying.
func (s *Staff) onEvent(ev event.Event) {
	s.update(func(st *StaffState) bool {
		changed := false
		switch e := ev.(type) {
		case event.TokenEvent:
			status := e.TokenStatus()
			if st.Current != nil && status != "" && e.Token() == st.Current.TokenNumber && st.Current.Status != status {
				st.Current.Status = status
				changed = true
			}
		case event.CounterStatusChanged:
			changed = setCounterStatus(st.Counters, e.CounterID, e.Status)
			if e.CounterID == st.CounterID {
				onBreak := e.Status == model.CounterStatusOnBreak
				changed = changed || st.OnBreak != onBreak
				st.OnBreak = onBreak
			}
		}
		if changed {
			st.LastEvent = ev
		}
		return changed
	})
}

// CallNext asks the backend for the next token at the selected counter. On
// failure the previously held token stays.
func (s *Staff) CallNext(ctx context.Context) error {
	st := s.State()
	if st.CounterID == 0 || st.ServiceID == 0 {
		s.fail("call next token", ErrSelectionRequired)
		return ErrSelectionRequired
	}
	s.setLoading(true)
	tok, err := s.counters.CallNext(ctx, st.CounterID, st.ServiceID)
	s.update(func(st *StaffState) bool {
		st.Loading = false
		if err != nil {
			st.Error = errorText("call next token", err)
			return true
		}
		st.Current = &tok
		st.Error = ""
		return true
	})
	return err
}

// Complete marks the held token COMPLETED locally, then tells the backend.
// A failed request is reported but the local status is not reverted.
func (s *Staff) Complete(ctx context.Context) error {
	id, ok := s.beginTokenAction(model.TokenStatusCompleted)
	if !ok {
		return ErrNoToken
	}
	err := s.counters.Complete(ctx, id)
	s.finishTokenAction("complete token", err, false)
	return err
}

// Skip marks the held token SKIPPED locally and releases it once the backend
// confirms.
func (s *Staff) Skip(ctx context.Context) error {
	id, ok := s.beginTokenAction(model.TokenStatusSkipped)
	if !ok {
		return ErrNoToken
	}
	err := s.counters.Skip(ctx, id)
	s.finishTokenAction("skip token", err, true)
	return err
}

func (s *Staff) beginTokenAction(status model.TokenStatus) (int64, bool) {
	var id int64
	held := s.update(func(st *StaffState) bool {
		if st.Current == nil {
			return false
		}
		id = st.Current.ID
		st.Current.Status = status
		st.Loading = true
		st.Error = ""
		return true
	})
	return id, held
}

func (s *Staff) finishTokenAction(action string, err error, release bool) {
	s.update(func(st *StaffState) bool {
		st.Loading = false
		if err != nil {
			st.Error = errorText(action, err)
			return true
		}
		if release {
			st.Current = nil
		}
		return true
	})
}

// ToggleBreak flips the selected counter between AVAILABLE and ON_BREAK.
func (s *Staff) ToggleBreak(ctx context.Context) error {
	st := s.State()
	if st.CounterID == 0 {
		s.fail("update counter status", ErrSelectionRequired)
		return ErrSelectionRequired
	}
	next := model.CounterStatusOnBreak
	if st.OnBreak {
		next = model.CounterStatusAvailable
	}
	if err := s.status.SetStatus(ctx, st.CounterID, next); err != nil {
		s.fail("update counter status", err)
		return err
	}
	s.update(func(st *StaffState) bool {
		st.OnBreak = next == model.CounterStatusOnBreak
		setCounterStatus(st.Counters, st.CounterID, next)
		return true
	})
	return nil
}

func (s *Staff) fail(action string, err error) {
	s.update(func(st *StaffState) bool {
		st.Error = errorText(action, err)
		return true
	})
}

func (s *Staff) setLoading(v bool) {
	s.update(func(st *StaffState) bool {
		st.Loading = v
		return true
	})
}

func counterStatus(counters []model.Counter, id int64) model.CounterStatus {
	for _, c := range counters {
		if c.ID == id {
			return c.Status
		}
	}
	return ""
}

// setCounterStatus reports whether any counter changed.
func setCounterStatus(counters []model.Counter, id int64, status model.CounterStatus) bool {
	changed := false
	for i := range counters {
		if counters[i].ID == id && counters[i].Status != status {
			counters[i].Status = status
			changed = true
		}
	}
	return changed
}
