package reconcile_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medqueue/internal/model"
	"medqueue/internal/reconcile"
)

type fakeHistory struct {
	calls []string
	rows  []model.HistoryEntry
	err   error
}

func (f *fakeHistory) History(_ context.Context, phone string) ([]model.HistoryEntry, error) {
	f.calls = append(f.calls, "all:"+phone)
	return f.rows, f.err
}

func (f *fakeHistory) HistoryByService(_ context.Context, phone string, _ int64) ([]model.HistoryEntry, error) {
	f.calls = append(f.calls, "service:"+phone)
	return f.rows, f.err
}

func (f *fakeHistory) HistoryByDoctor(_ context.Context, phone string, _ int64) ([]model.HistoryEntry, error) {
	f.calls = append(f.calls, "doctor:"+phone)
	return f.rows, f.err
}

func TestHistorySearchRoutes(t *testing.T) {
	api := &fakeHistory{rows: []model.HistoryEntry{{TokenNumber: "A-1", Status: model.TokenStatusCompleted}}}
	h := reconcile.NewHistory(api, nil)
	t.Cleanup(h.Close)

	_, err := h.Search(bg, reconcile.HistoryQuery{Phone: " 9000000001 "})
	require.NoError(t, err)
	_, err = h.Search(bg, reconcile.HistoryQuery{Phone: "9000000001", ServiceID: 2})
	require.NoError(t, err)
	_, err = h.Search(bg, reconcile.HistoryQuery{Phone: "9000000001", DoctorID: 4})
	require.NoError(t, err)

	assert.Equal(t, []string{"all:9000000001", "service:9000000001", "doctor:9000000001"}, api.calls)
	assert.Len(t, h.State().Rows, 1)
	assert.Equal(t, int64(4), h.State().Query.DoctorID)
}

func TestHistorySearchRequiresPhone(t *testing.T) {
	api := &fakeHistory{}
	h := reconcile.NewHistory(api, nil)
	t.Cleanup(h.Close)

	_, err := h.Search(bg, reconcile.HistoryQuery{Phone: "   "})
	require.ErrorIs(t, err, reconcile.ErrPhoneRequired)
	assert.Empty(t, api.calls)
	assert.Equal(t, "enter a phone number to search", h.State().Error)
}

func TestHistoryFailureKeepsRows(t *testing.T) {
	api := &fakeHistory{rows: []model.HistoryEntry{{TokenNumber: "A-1"}}}
	h := reconcile.NewHistory(api, nil)
	t.Cleanup(h.Close)
	_, err := h.Search(bg, reconcile.HistoryQuery{Phone: "1"})
	require.NoError(t, err)

	api.err = errors.New("not found")
	_, err = h.Search(bg, reconcile.HistoryQuery{Phone: "1"})
	require.Error(t, err)
	st := h.State()
	assert.Len(t, st.Rows, 1)
	assert.Contains(t, st.Error, "not found")
	assert.False(t, st.Loading)

	h.DismissError()
	assert.Empty(t, h.State().Error)
}
