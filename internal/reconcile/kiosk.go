package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"medqueue/internal/broker"
	"medqueue/internal/event"
	"medqueue/internal/model"
	"medqueue/internal/session"
)

var ErrDepartmentRequired = errors.New("please select a department")

// PatientTokens is satisfied by *sdk.TokensService.
type PatientTokens interface {
	CreatePatient(ctx context.Context, req model.PatientTokenRequest) (model.Token, error)
	ETA(ctx context.Context, tokenID int64) (int64, error)
}

// ServiceLister is satisfied by *sdk.AdminService.
type ServiceLister interface {
	Services(ctx context.Context) ([]model.Service, error)
}

// SessionStore is satisfied by *session.Store.
type SessionStore interface {
	Restore(ctx context.Context) (session.Entry, bool, error)
	Sync(ctx context.Context, held *model.Token, eta *int64) error
	Clear(ctx context.Context) error
}

type KioskState struct {
	Connected     bool            `json:"connected"`
	Services      []model.Service `json:"services"`
	Token         *model.Token    `json:"token"`
	ETAMinutes    *int64          `json:"etaMinutes"`
	HelpRequested bool            `json:"helpRequested"`
	Submitting    bool            `json:"submitting"`
	Error         string          `json:"error,omitempty"`
}

func (s KioskState) clone() KioskState {
	s.Services = slices.Clone(s.Services)
	if s.Token != nil {
		t := *s.Token
		s.Token = &t
	}
	if s.ETAMinutes != nil {
		eta := *s.ETAMinutes
		s.ETAMinutes = &eta
	}
	return s
}

type KioskOptions struct {
	Logger *zerolog.Logger
	// Name identifies the kiosk in help requests.
	Name         string
	HelpDuration time.Duration
	Now          func() time.Time
}

// Kiosk is the self-service registration screen. It issues a token, follows
// that token's own topic and keeps the session entry in step so a restart
// shows the same token again.
type Kiosk struct {
	base[KioskState]

	sub      Subscriber
	pub      Publisher
	conn     ConnectionObserver
	tokens   PatientTokens
	services ServiceLister
	session  SessionStore
	opts     KioskOptions

	watchMu  sync.Mutex
	watching string
	unwatch  broker.CancelFunc

	helpMu sync.Mutex
	help   *time.Timer

	syncMu sync.Mutex
}

func NewKiosk(sub Subscriber, pub Publisher, conn ConnectionObserver, tokens PatientTokens, services ServiceLister, store SessionStore, opts KioskOptions) *Kiosk {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HelpDuration <= 0 {
		opts.HelpDuration = 8 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "Main Lobby Kiosk"
	}
	k := &Kiosk{sub: sub, pub: pub, conn: conn, tokens: tokens, services: services, session: store, opts: opts}
	k.init("kiosk", opts.Logger, KioskState.clone)
	return k
}

// Start restores a token left over from a previous run and loads the
// department list.
func (k *Kiosk) Start(ctx context.Context) error {
	if !k.begin(ctx) {
		return nil
	}
	k.track(k.conn, func(s *KioskState, up bool) bool {
		changed := s.Connected != up
		s.Connected = up
		return changed
	}, nil)
	k.spawn(k.loadServices)

	entry, ok, err := k.session.Restore(ctx)
	if err != nil {
		k.log.Warn().Err(err).Msg("restore session")
		return nil
	}
	if !ok {
		return nil
	}
	k.update(func(s *KioskState) bool {
		tok := entry.Token
		s.Token = &tok
		s.ETAMinutes = entry.ETAMinutes
		return true
	})
	k.watch(entry.Token.TokenNumber)
	return nil
}

func (k *Kiosk) Close() {
	k.close()
	k.stopWatching()
	k.helpMu.Lock()
	if k.help != nil {
		k.help.Stop()
		k.help = nil
	}
	k.helpMu.Unlock()
}

func (k *Kiosk) DismissError() {
	k.update(func(s *KioskState) bool {
		changed := s.Error != ""
		s.Error = ""
		return changed
	})
}

func (k *Kiosk) loadServices(ctx context.Context) {
	services, err := k.services.Services(ctx)
	k.update(func(s *KioskState) bool {
		if err != nil {
			s.Error = errorText("load departments", err)
			return true
		}
		s.Services = slices.Clone(services)
		return true
	})
}

// Issue registers the patient, starts following the new token and asks for
// its ETA once. The token is returned even when the ETA lookup fails.
func (k *Kiosk) Issue(ctx context.Context, req model.PatientTokenRequest) (model.Token, error) {
	if req.ServiceTypeID == 0 {
		k.setError("register patient", ErrDepartmentRequired)
		return model.Token{}, ErrDepartmentRequired
	}
	k.update(func(s *KioskState) bool {
		s.Submitting = true
		s.Error = ""
		return true
	})

	tok, err := k.tokens.CreatePatient(ctx, req)
	if err != nil {
		k.update(func(s *KioskState) bool {
			s.Submitting = false
			s.Error = errorText("register patient", err)
			return true
		})
		return model.Token{}, err
	}
	k.update(func(s *KioskState) bool {
		held := tok
		s.Token = &held
		s.ETAMinutes = nil
		return true
	})
	k.watch(tok.TokenNumber)
	k.syncSession(ctx)

	eta, err := k.tokens.ETA(ctx, tok.ID)
	k.update(func(s *KioskState) bool {
		s.Submitting = false
		if err != nil {
			s.Error = errorText("register patient", err)
			return true
		}
		if s.Token != nil && s.Token.TokenNumber == tok.TokenNumber {
			minutes := eta
			s.ETAMinutes = &minutes
		}
		return true
	})
	k.syncSession(ctx)
	return tok, err
}

// NewToken forgets the held token so the next patient can register.
func (k *Kiosk) NewToken(ctx context.Context) error {
	k.update(func(s *KioskState) bool {
		s.Token = nil
		s.ETAMinutes = nil
		s.Error = ""
		return true
	})
	k.stopWatching()
	k.syncMu.Lock()
	defer k.syncMu.Unlock()
	return k.session.Clear(ctx)
}

// RequestHelp notifies staff that someone at this kiosk needs assistance.
// Publishing is best effort; the help flag is raised either way and drops
// after the configured duration.
func (k *Kiosk) RequestHelp() {
	ev := event.KioskHelpRequested{Kiosk: k.opts.Name, RequestedAt: k.opts.Now().UTC()}
	if err := k.pub.Publish(broker.DestinationKioskHelp, ev); err != nil {
		k.log.Debug().Err(err).Msg("help request not sent")
	}
	if !k.update(func(s *KioskState) bool {
		s.HelpRequested = true
		return true
	}) {
		return
	}

	k.helpMu.Lock()
	defer k.helpMu.Unlock()
	if k.help != nil {
		k.help.Stop()
	}
	k.help = time.AfterFunc(k.opts.HelpDuration, func() {
		k.update(func(s *KioskState) bool {
			changed := s.HelpRequested
			s.HelpRequested = false
			return changed
		})
	})
}

func (k *Kiosk) onPatientEvent(ev event.Event) {
	te, ok := ev.(event.TokenEvent)
	if !ok || te.TokenStatus() == "" {
		return
	}
	applied := k.update(func(s *KioskState) bool {
		if s.Token == nil || (te.Token() != "" && te.Token() != s.Token.TokenNumber) {
			return false
		}
		s.Token.Status = te.TokenStatus()
		return true
	})
	if applied {
		k.spawn(k.syncSession)
	}
}

// watch moves the patient-topic subscription to tokenNumber.
func (k *Kiosk) watch(tokenNumber string) {
	k.watchMu.Lock()
	if k.watching == tokenNumber && k.unwatch != nil {
		k.watchMu.Unlock()
		return
	}
	prev := k.unwatch
	k.unwatch = nil
	k.watching = ""
	k.watchMu.Unlock()
	if prev != nil {
		prev()
	}
	if !k.alive() {
		return
	}

	cancel := k.sub.Subscribe(broker.PatientTopic(tokenNumber), func(ev event.Event) {
		if k.alive() {
			k.onPatientEvent(ev)
		}
	})
	k.watchMu.Lock()
	k.watching = tokenNumber
	k.unwatch = cancel
	k.watchMu.Unlock()
	// Close may have run stopWatching while Subscribe was in progress.
	if !k.alive() {
		k.stopWatching()
	}
}

func (k *Kiosk) stopWatching() {
	k.watchMu.Lock()
	cancel := k.unwatch
	k.unwatch = nil
	k.watching = ""
	k.watchMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// syncSession mirrors the held token into the session store.
func (k *Kiosk) syncSession(ctx context.Context) {
	k.syncMu.Lock()
	defer k.syncMu.Unlock()
	st := k.State()
	if err := k.session.Sync(ctx, st.Token, st.ETAMinutes); err != nil {
		k.log.Warn().Err(err).Msg("sync session")
	}
}

func (k *Kiosk) setError(action string, err error) {
	k.update(func(s *KioskState) bool {
		s.Error = errorText(action, err)
		return true
	})
}
