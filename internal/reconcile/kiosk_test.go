package reconcile_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medqueue/internal/broker"
	"medqueue/internal/event"
	"medqueue/internal/model"
	"medqueue/internal/reconcile"
	"medqueue/internal/session"
)

var kioskNow = time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

type kioskFixture struct {
	sub    *fakeBroker
	tokens *fakeTokens
	kv     *session.MemoryKV
	store  *session.Store
	kiosk  *reconcile.Kiosk
}

func newKiosk(t *testing.T, prepare func(*kioskFixture)) kioskFixture {
	t.Helper()
	f := kioskFixture{
		sub:    newFakeBroker(),
		tokens: newFakeTokens(),
		kv:     session.NewMemoryKV(),
	}
	f.store = session.NewStore(f.kv, "kiosk-1")
	if prepare != nil {
		prepare(&f)
	}
	catalog := &fakeAdmin{services: []model.Service{{ID: 3, Name: "General OPD"}}}
	f.kiosk = reconcile.NewKiosk(f.sub, f.sub, newFakeConn(), f.tokens, catalog, f.store, reconcile.KioskOptions{
		Name:         "East Wing Kiosk",
		HelpDuration: 30 * time.Millisecond,
		Now:          func() time.Time { return kioskNow },
	})
	require.NoError(t, f.kiosk.Start(bg))
	t.Cleanup(f.kiosk.Close)
	return f
}

func patientRequest() model.PatientTokenRequest {
	age := 34
	return model.PatientTokenRequest{
		Patient:       model.Patient{Name: "Asha", Age: &age, Phone: "9000000001", Gender: model.GenderFemale},
		ServiceTypeID: 3,
	}
}

func TestKioskIssue(t *testing.T) {
	f := newKiosk(t, func(f *kioskFixture) {
		f.tokens.created = model.Token{ID: 77, TokenNumber: "OPD-5", Status: model.TokenStatusWaiting}
		f.tokens.eta = 25
	})

	tok, err := f.kiosk.Issue(bg, patientRequest())
	require.NoError(t, err)
	assert.Equal(t, "OPD-5", tok.TokenNumber)

	st := f.kiosk.State()
	require.NotNil(t, st.Token)
	require.NotNil(t, st.ETAMinutes)
	assert.Equal(t, int64(25), *st.ETAMinutes)
	assert.False(t, st.Submitting)
	assert.Equal(t, 1, f.sub.active(broker.PatientTopic("OPD-5")))

	entry, ok, err := f.store.Restore(bg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "OPD-5", entry.Token.TokenNumber)
	require.NotNil(t, entry.ETAMinutes)
	assert.Equal(t, int64(25), *entry.ETAMinutes)
}

func TestKioskCloseDuringWatchDropsSubscription(t *testing.T) {
	f := newKiosk(t, func(f *kioskFixture) {
		f.tokens.created = model.Token{ID: 78, TokenNumber: "OPD-6", Status: model.TokenStatusWaiting}
	})
	topic := broker.PatientTopic("OPD-6")
	f.sub.mu.Lock()
	f.sub.onSubscribe = func(got string) {
		if got == topic {
			f.kiosk.Close()
		}
	}
	f.sub.mu.Unlock()

	_, _ = f.kiosk.Issue(bg, patientRequest())
	assert.Zero(t, f.sub.active(topic))
}

func TestKioskIssueRequiresDepartment(t *testing.T) {
	f := newKiosk(t, nil)
	req := patientRequest()
	req.ServiceTypeID = 0
	_, err := f.kiosk.Issue(bg, req)
	require.ErrorIs(t, err, reconcile.ErrDepartmentRequired)
	assert.Equal(t, "register patient: please select a department", f.kiosk.State().Error)
	assert.Empty(t, f.tokens.requests)
}

func TestKioskIssueFailure(t *testing.T) {
	f := newKiosk(t, func(f *kioskFixture) {
		f.tokens.createErr = errors.New("department closed")
	})
	_, err := f.kiosk.Issue(bg, patientRequest())
	require.Error(t, err)
	st := f.kiosk.State()
	assert.Nil(t, st.Token)
	assert.Contains(t, st.Error, "department closed")
	assert.False(t, st.Submitting)
}

func TestKioskETAFailureKeepsToken(t *testing.T) {
	f := newKiosk(t, func(f *kioskFixture) {
		f.tokens.created = model.Token{ID: 77, TokenNumber: "OPD-5", Status: model.TokenStatusWaiting}
		f.tokens.etaErr = errors.New("eta unavailable")
	})
	tok, err := f.kiosk.Issue(bg, patientRequest())
	require.Error(t, err)
	assert.Equal(t, "OPD-5", tok.TokenNumber)
	st := f.kiosk.State()
	require.NotNil(t, st.Token)
	assert.Nil(t, st.ETAMinutes)
	_, ok, _ := f.store.Restore(bg)
	assert.True(t, ok)
}

func TestKioskMergesPatientStatus(t *testing.T) {
	f := newKiosk(t, func(f *kioskFixture) {
		f.tokens.created = model.Token{ID: 77, TokenNumber: "OPD-5", Status: model.TokenStatusWaiting, ServiceName: "General OPD"}
	})
	_, err := f.kiosk.Issue(bg, patientRequest())
	require.NoError(t, err)
	topic := broker.PatientTopic("OPD-5")

	f.sub.deliver(topic, event.TokenCalled{TokenRef: event.TokenRef{TokenNumber: "OPD-5", Status: model.TokenStatusCalled}})
	st := f.kiosk.State()
	assert.Equal(t, model.TokenStatusCalled, st.Token.Status)
	assert.Equal(t, "General OPD", st.Token.ServiceName)

	f.sub.deliver(topic, event.TokenCompleted{TokenRef: event.TokenRef{TokenNumber: "OPD-5", Status: model.TokenStatusCompleted}})
	assert.Eventually(t, func() bool {
		_, ok, _ := f.store.Restore(bg)
		return !ok
	}, waitFor, tick, "completed token leaves the session")
}

func TestKioskRestoresSession(t *testing.T) {
	eta := int64(12)
	f := newKiosk(t, func(f *kioskFixture) {
		require.NoError(t, f.store.Save(bg, session.Entry{
			Token:      model.Token{ID: 5, TokenNumber: "OPD-2", Status: model.TokenStatusWaiting},
			ETAMinutes: &eta,
		}))
	})
	st := f.kiosk.State()
	require.NotNil(t, st.Token)
	assert.Equal(t, "OPD-2", st.Token.TokenNumber)
	assert.Equal(t, int64(12), *st.ETAMinutes)
	assert.Equal(t, 1, f.sub.active(broker.PatientTopic("OPD-2")))
	assert.Eventually(t, func() bool { return len(f.kiosk.State().Services) == 1 }, waitFor, tick)
}

func TestKioskNewToken(t *testing.T) {
	f := newKiosk(t, func(f *kioskFixture) {
		f.tokens.created = model.Token{ID: 77, TokenNumber: "OPD-5", Status: model.TokenStatusWaiting}
	})
	_, err := f.kiosk.Issue(bg, patientRequest())
	require.NoError(t, err)

	require.NoError(t, f.kiosk.NewToken(bg))
	assert.Nil(t, f.kiosk.State().Token)
	assert.Equal(t, 0, f.sub.active(broker.PatientTopic("OPD-5")))
	_, ok, _ := f.store.Restore(bg)
	assert.False(t, ok)

	f.sub.deliverStray(broker.PatientTopic("OPD-5"), event.TokenCalled{TokenRef: event.TokenRef{TokenNumber: "OPD-5", Status: model.TokenStatusCalled}})
	assert.Nil(t, f.kiosk.State().Token)
}

func TestKioskRequestHelp(t *testing.T) {
	f := newKiosk(t, nil)
	f.kiosk.RequestHelp()

	sent := f.sub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, broker.DestinationKioskHelp, sent[0].destination)
	help, ok := sent[0].ev.(event.KioskHelpRequested)
	require.True(t, ok)
	assert.Equal(t, "East Wing Kiosk", help.Kiosk)
	assert.Equal(t, kioskNow, help.RequestedAt)

	assert.True(t, f.kiosk.State().HelpRequested)
	assert.Eventually(t, func() bool { return !f.kiosk.State().HelpRequested }, waitFor, tick)
}

func TestKioskRequestHelpOffline(t *testing.T) {
	f := newKiosk(t, nil)
	f.sub.mu.Lock()
	f.sub.pubErr = errors.New("not connected")
	f.sub.mu.Unlock()

	f.kiosk.RequestHelp()
	assert.True(t, f.kiosk.State().HelpRequested, "help flag is raised even when publishing fails")
	assert.Empty(t, f.kiosk.State().Error)
}
