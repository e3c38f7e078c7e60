package reconcile

import (
	"context"
	"errors"
	"io"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"medqueue/internal/analytics"
	"medqueue/internal/broker"
	"medqueue/internal/event"
	"medqueue/internal/model"
	"medqueue/internal/schedule"
)

// AdminAPI is satisfied by *sdk.AdminService.
type AdminAPI interface {
	Summary(ctx context.Context) (model.Summary, error)
	PendingEmergencies(ctx context.Context) ([]model.Token, error)
	DoctorLoad(ctx context.Context) ([]model.DoctorLoad, error)
	ServiceStats(ctx context.Context) ([]model.ServiceStats, error)
	ApproveEmergency(ctx context.Context, tokenID int64) error
	RejectEmergency(ctx context.Context, tokenID int64) error
	CreateService(ctx context.Context, svc model.Service) (model.Service, error)
	CreateCounter(ctx context.Context, req model.CounterRequest) (model.Counter, error)
}

// Notification is the dismissible banner raised by an emergency request.
type Notification struct {
	TokenNumber string            `json:"tokenNumber"`
	ServiceName string            `json:"serviceName,omitempty"`
	Status      model.TokenStatus `json:"status,omitempty"`
	ReceivedAt  time.Time         `json:"receivedAt"`
}

type AdminState struct {
	Connected    bool                        `json:"connected"`
	Summary      model.Summary               `json:"summary"`
	Emergencies  []model.Token               `json:"emergencies"`
	DoctorLoad   []model.DoctorLoad          `json:"doctorLoad"`
	ServiceStats []model.ServiceStats        `json:"serviceStats"`
	Bottlenecks  []analytics.ServiceLoad     `json:"bottlenecks"`
	PeakHours    []analytics.HistogramBucket `json:"peakHours"`
	Notification *Notification               `json:"notification,omitempty"`
	Error        string                      `json:"error,omitempty"`
}

func (s AdminState) clone() AdminState {
	s.Emergencies = slices.Clone(s.Emergencies)
	s.DoctorLoad = slices.Clone(s.DoctorLoad)
	s.ServiceStats = slices.Clone(s.ServiceStats)
	s.Bottlenecks = slices.Clone(s.Bottlenecks)
	s.PeakHours = slices.Clone(s.PeakHours)
	if s.Notification != nil {
		n := *s.Notification
		s.Notification = &n
	}
	return s
}

type AdminOptions struct {
	Logger *zerolog.Logger
	// Scheduler runs the summary poll. Nil means a private scheduler.
	Scheduler    *schedule.Scheduler
	PollSchedule string
	Now          func() time.Time
}

// Admin is the facility dashboard: headline counters, pending emergencies,
// per-doctor and per-department load, and the derived analytics panels.
type Admin struct {
	base[AdminState]

	sub    Subscriber
	conn   ConnectionObserver
	api    AdminAPI
	tokens WaitingFetcher
	opts   AdminOptions
}

func NewAdmin(sub Subscriber, conn ConnectionObserver, api AdminAPI, tokens WaitingFetcher, opts AdminOptions) *Admin {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &Admin{sub: sub, conn: conn, api: api, tokens: tokens, opts: opts}
	a.init("admin", opts.Logger, AdminState.clone)
	return a
}

func (a *Admin) Start(ctx context.Context) error {
	if !a.begin(ctx) {
		return nil
	}
	if err := a.schedule(a.opts.Scheduler, "admin.summary", a.opts.PollSchedule, a.pollSummary); err != nil {
		a.close()
		return err
	}
	a.track(a.conn, func(s *AdminState, up bool) bool {
		changed := s.Connected != up
		s.Connected = up
		return changed
	}, nil)
	a.subscribe(a.sub, broker.TopicQueueUpdates, a.onEvent)
	a.spawn(a.Refresh)
	return nil
}

func (a *Admin) Close() { a.close() }

func (a *Admin) DismissError() {
	a.update(func(s *AdminState) bool {
		changed := s.Error != ""
		s.Error = ""
		return changed
	})
}

func (a *Admin) onEvent(ev event.Event) {
	e, ok := ev.(event.EmergencyCreated)
	if !ok {
		return
	}
	a.update(func(s *AdminState) bool {
		s.Notification = &Notification{
			TokenNumber: e.TokenNumber,
			ServiceName: e.ServiceName,
			Status:      e.Status,
			ReceivedAt:  a.opts.Now(),
		}
		return true
	})
}

func (a *Admin) DismissNotification() {
	a.update(func(s *AdminState) bool {
		changed := s.Notification != nil
		s.Notification = nil
		return changed
	})
}

// ViewNotification dismisses the banner and reloads everything so the new
// emergency shows up in the pending list.
func (a *Admin) ViewNotification(ctx context.Context) {
	a.DismissNotification()
	a.Refresh(ctx)
}

// Refresh runs the full load and the analytics panels.
func (a *Admin) Refresh(ctx context.Context) {
	a.Load(ctx)
	a.loadAnalytics(ctx)
}

// Load fetches the four dashboard snapshots in parallel. Each successful
// fetch is applied on its own; the first failure is reported on Error.
func (a *Admin) Load(ctx context.Context) error {
	var (
		summary     model.Summary
		emergencies []model.Token
		doctors     []model.DoctorLoad
		stats       []model.ServiceStats
		errs        [4]error
	)
	var g errgroup.Group
	g.Go(func() error {
		summary, errs[0] = a.api.Summary(ctx)
		return nil
	})
	g.Go(func() error {
		emergencies, errs[1] = a.api.PendingEmergencies(ctx)
		return nil
	})
	g.Go(func() error {
		doctors, errs[2] = a.api.DoctorLoad(ctx)
		return nil
	})
	g.Go(func() error {
		stats, errs[3] = a.api.ServiceStats(ctx)
		return nil
	})
	_ = g.Wait()

	err := errors.Join(errs[:]...)
	a.update(func(s *AdminState) bool {
		if errs[0] == nil {
			s.Summary = summary
		}
		if errs[1] == nil {
			s.Emergencies = emergencies
		}
		if errs[2] == nil {
			s.DoctorLoad = doctors
		}
		if errs[3] == nil {
			s.ServiceStats = stats
		}
		for _, e := range errs {
			if e != nil {
				s.Error = errorText("load admin data", e)
				return true
			}
		}
		return true
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("admin load")
	}
	return err
}

// loadAnalytics rebuilds the peak-hour and bottleneck panels. Both are
// informational and fall back to empty on any failure.
func (a *Admin) loadAnalytics(ctx context.Context) {
	var (
		peaks       []analytics.HistogramBucket
		bottlenecks []analytics.ServiceLoad
	)
	var g errgroup.Group
	g.Go(func() error {
		completed, err := a.tokens.ByStatus(ctx, model.TokenStatusCompleted)
		if err != nil {
			a.log.Debug().Err(err).Msg("peak hours unavailable")
			return nil
		}
		waiting, err := a.tokens.ByStatus(ctx, model.TokenStatusWaiting)
		if err != nil {
			a.log.Debug().Err(err).Msg("peak hours unavailable")
			return nil
		}
		peaks = analytics.PeakHours(completed, waiting, a.opts.Now())
		return nil
	})
	g.Go(func() error {
		stats, err := a.api.ServiceStats(ctx)
		if err != nil {
			a.log.Debug().Err(err).Msg("bottlenecks unavailable")
			return nil
		}
		bottlenecks = analytics.Bottlenecks(stats)
		return nil
	})
	_ = g.Wait()

	a.update(func(s *AdminState) bool {
		s.PeakHours = peaks
		s.Bottlenecks = bottlenecks
		return true
	})
}

func (a *Admin) pollSummary(ctx context.Context) {
	summary, err := a.api.Summary(ctx)
	if err != nil {
		a.log.Debug().Err(err).Msg("summary poll failed")
		return
	}
	a.update(func(s *AdminState) bool {
		s.Summary = summary
		return true
	})
}

func (a *Admin) ApproveEmergency(ctx context.Context, tokenID int64) error {
	return a.act(ctx, "approve emergency", func() error {
		return a.api.ApproveEmergency(ctx, tokenID)
	})
}

func (a *Admin) RejectEmergency(ctx context.Context, tokenID int64) error {
	return a.act(ctx, "reject emergency", func() error {
		return a.api.RejectEmergency(ctx, tokenID)
	})
}

func (a *Admin) CreateService(ctx context.Context, svc model.Service) (model.Service, error) {
	var created model.Service
	err := a.act(ctx, "create service", func() (err error) {
		created, err = a.api.CreateService(ctx, svc)
		return err
	})
	return created, err
}

func (a *Admin) CreateCounter(ctx context.Context, req model.CounterRequest) (model.Counter, error) {
	var created model.Counter
	err := a.act(ctx, "create counter", func() (err error) {
		created, err = a.api.CreateCounter(ctx, req)
		return err
	})
	return created, err
}

// act runs a mutating call and reloads the dashboard when it succeeds.
func (a *Admin) act(ctx context.Context, action string, call func() error) error {
	a.DismissError()
	if err := call(); err != nil {
		a.update(func(s *AdminState) bool {
			s.Error = errorText(action, err)
			return true
		})
		return err
	}
	a.Refresh(ctx)
	return nil
}

// DailyReport writes today's tokens as CSV to w.
func (a *Admin) DailyReport(ctx context.Context, w io.Writer) error {
	err := a.writeReport(ctx, w)
	if err != nil {
		a.update(func(s *AdminState) bool {
			s.Error = errorText("download daily report", err)
			return true
		})
	}
	return err
}

func (a *Admin) writeReport(ctx context.Context, w io.Writer) error {
	completed, err := a.tokens.ByStatus(ctx, model.TokenStatusCompleted)
	if err != nil {
		return err
	}
	waiting, err := a.tokens.ByStatus(ctx, model.TokenStatusWaiting)
	if err != nil {
		return err
	}
	return analytics.WriteDailyReport(w, completed, waiting, a.opts.Now())
}
