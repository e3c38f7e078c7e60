package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"medqueue/internal/model"
)

var ErrPhoneRequired = errors.New("enter a phone number to search")

// HistoryFetcher is satisfied by *sdk.PatientsService.
type HistoryFetcher interface {
	History(ctx context.Context, phone string) ([]model.HistoryEntry, error)
	HistoryByService(ctx context.Context, phone string, serviceID int64) ([]model.HistoryEntry, error)
	HistoryByDoctor(ctx context.Context, phone string, doctorID int64) ([]model.HistoryEntry, error)
}

// HistoryQuery selects a patient's visits. At most one of ServiceID and
// DoctorID is honoured, ServiceID first.
type HistoryQuery struct {
	Phone     string
	ServiceID int64
	DoctorID  int64
}

type HistoryState struct {
	Query   HistoryQuery         `json:"query"`
	Rows    []model.HistoryEntry `json:"rows"`
	Loading bool                 `json:"loading"`
	Error   string               `json:"error,omitempty"`
}

func (s HistoryState) clone() HistoryState {
	s.Rows = append([]model.HistoryEntry(nil), s.Rows...)
	return s
}

// History looks up past visits by phone number.
type History struct {
	base[HistoryState]

	api HistoryFetcher
}

func NewHistory(api HistoryFetcher, log *zerolog.Logger) *History {
	h := &History{api: api}
	h.init("history", log, HistoryState.clone)
	return h
}

func (h *History) Close() { h.close() }

func (h *History) DismissError() {
	h.update(func(s *HistoryState) bool {
		changed := s.Error != ""
		s.Error = ""
		return changed
	})
}

// Search replaces the rows with the result of q. A failed search keeps the
// rows from the previous one.
func (h *History) Search(ctx context.Context, q HistoryQuery) ([]model.HistoryEntry, error) {
	q.Phone = strings.TrimSpace(q.Phone)
	if q.Phone == "" {
		h.update(func(s *HistoryState) bool {
			s.Error = ErrPhoneRequired.Error()
			return true
		})
		return nil, ErrPhoneRequired
	}
	h.update(func(s *HistoryState) bool {
		s.Query = q
		s.Loading = true
		s.Error = ""
		return true
	})

	var (
		rows []model.HistoryEntry
		err  error
	)
	switch {
	case q.ServiceID != 0:
		rows, err = h.api.HistoryByService(ctx, q.Phone, q.ServiceID)
	case q.DoctorID != 0:
		rows, err = h.api.HistoryByDoctor(ctx, q.Phone, q.DoctorID)
	default:
		rows, err = h.api.History(ctx, q.Phone)
	}
	h.update(func(s *HistoryState) bool {
		s.Loading = false
		if err != nil {
			s.Error = errorText("load patient history", err)
			return true
		}
		s.Rows = rows
		return true
	})
	return rows, err
}
