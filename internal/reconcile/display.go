package reconcile

import (
	"cmp"
	"context"
	"slices"

	"github.com/rs/zerolog"

	"medqueue/internal/broker"
	"medqueue/internal/event"
	"medqueue/internal/model"
	"medqueue/internal/schedule"
)

const (
	RecentLimit   = 5
	UpcomingLimit = 3
)

// WaitingFetcher is satisfied by *sdk.TokensService.
type WaitingFetcher interface {
	ByStatus(ctx context.Context, status model.TokenStatus) ([]model.Token, error)
}

type UpcomingToken struct {
	model.Token
	// PreCall marks the token that will be called next.
	PreCall bool `json:"preCall"`
}

type DisplayState struct {
	Connected  bool                `json:"connected"`
	NowServing *event.TokenCalled  `json:"nowServing"`
	Recent     []event.TokenCalled `json:"recent"`
	Upcoming   []UpcomingToken     `json:"upcoming"`
	Error      string              `json:"error,omitempty"`
}

func (s DisplayState) clone() DisplayState {
	if s.NowServing != nil {
		now := *s.NowServing
		s.NowServing = &now
	}
	s.Recent = slices.Clone(s.Recent)
	s.Upcoming = slices.Clone(s.Upcoming)
	return s
}

type DisplayOptions struct {
	Logger *zerolog.Logger
	// Scheduler runs the periodic refresh. Nil means a private scheduler.
	Scheduler       *schedule.Scheduler
	RefreshSchedule string
}

// Display is the public board: the token being served, the last few calls
// and the next few waiting tokens.
type Display struct {
	base[DisplayState]

	sub    Subscriber
	conn   ConnectionObserver
	tokens WaitingFetcher
	opts   DisplayOptions

	// Fetch generations, guarded by base.mu.
	requested uint64
	applied   uint64
}

func NewDisplay(sub Subscriber, conn ConnectionObserver, tokens WaitingFetcher, opts DisplayOptions) *Display {
	d := &Display{sub: sub, conn: conn, tokens: tokens, opts: opts}
	d.init("display", opts.Logger, DisplayState.clone)
	return d
}

func (d *Display) Start(ctx context.Context) error {
	if !d.begin(ctx) {
		return nil
	}
	if err := d.schedule(d.opts.Scheduler, "display.refresh", d.opts.RefreshSchedule, func(ctx context.Context) {
		d.Refresh(ctx)
	}); err != nil {
		d.close()
		return err
	}
	d.track(d.conn, func(s *DisplayState, up bool) bool {
		changed := s.Connected != up
		s.Connected = up
		return changed
	}, d.refreshAsync)
	d.subscribe(d.sub, broker.TopicQueueUpdates, d.onEvent)
	d.refreshAsync()
	return nil
}

func (d *Display) Close() { d.close() }

func (d *Display) DismissError() {
	d.update(func(s *DisplayState) bool {
		changed := s.Error != ""
		s.Error = ""
		return changed
	})
}

func (d *Display) onEvent(ev event.Event) {
	switch e := ev.(type) {
	case event.TokenCalled:
		d.update(func(s *DisplayState) bool {
			called := e
			s.NowServing = &called
			s.Recent = append([]event.TokenCalled{e}, s.Recent...)
			if len(s.Recent) > RecentLimit {
				s.Recent = s.Recent[:RecentLimit]
			}
			return true
		})
		d.refreshAsync()
	case event.TokenCreated, event.EmergencyApproved:
		d.refreshAsync()
	}
}

func (d *Display) refreshAsync() {
	d.spawn(func(ctx context.Context) { d.Refresh(ctx) })
}

// Refresh re-fetches the waiting queue and rebuilds the upcoming list. A
// response older than one already applied is dropped. Failures keep the
// previous list.
func (d *Display) Refresh(ctx context.Context) {
	d.mu.Lock()
	d.requested++
	gen := d.requested
	d.mu.Unlock()

	waiting, err := d.tokens.ByStatus(ctx, model.TokenStatusWaiting)
	if err != nil {
		d.log.Warn().Err(err).Msg("refresh upcoming tokens")
		d.update(func(s *DisplayState) bool {
			if gen <= d.applied {
				return false
			}
			s.Error = errorText("load waiting tokens", err)
			return true
		})
		return
	}
	upcoming := ProjectUpcoming(waiting)
	d.update(func(s *DisplayState) bool {
		if gen <= d.applied {
			return false
		}
		d.applied = gen
		s.Upcoming = upcoming
		s.Error = ""
		return true
	})
}

// ProjectUpcoming orders waiting tokens by creation time, oldest first, with
// ties broken by token number, and keeps the first UpcomingLimit. Tokens
// without a creation time sort first.
func ProjectUpcoming(waiting []model.Token) []UpcomingToken {
	sorted := slices.Clone(waiting)
	slices.SortStableFunc(sorted, func(a, b model.Token) int {
		if c := a.CreatedAt.Compare(b.CreatedAt.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.TokenNumber, b.TokenNumber)
	})
	if len(sorted) > UpcomingLimit {
		sorted = sorted[:UpcomingLimit]
	}
	out := make([]UpcomingToken, len(sorted))
	for i, t := range sorted {
		out[i] = UpcomingToken{Token: t, PreCall: i == 0}
	}
	return out
}
