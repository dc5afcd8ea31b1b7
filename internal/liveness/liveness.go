// Package liveness posts a periodic digest of session states to the operator
// log chat and refreshes the session gauges on every tick.
package liveness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wafleet/internal/metrics"
	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
}

type Sessions interface {
	List() []session.Info
}

// Notify delivers one digest. A nil Notify only refreshes gauges.
type Notify func(ctx context.Context, text string) error

type Service struct {
	sessions Sessions
	notify   Notify
	log      logx.Logger
	parser   cron.Parser

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	loc *time.Location
	ctx context.Context

	now func() time.Time
}

func New(cfg Config, sessions Sessions, notify Notify, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		sessions: sessions,
		notify:   notify,
		log:      log.With(logx.String("comp", "liveness")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Validate checks that cfg would schedule.
func (s *Service) Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	spec, err := cronSpec(cfg.Spec)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("liveness: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("liveness: timezone %q: %w", tz, err)
		}
	}
	return nil
}

// Start schedules the digest. ctx bounds every tick.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	spec, err := cronSpec(s.cfg.Spec)
	if err != nil {
		return err
	}
	loc := s.loadLocationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("liveness: %w", err)
	}
	c.Start()
	s.c, s.loc = c, loc
	s.log.Info("digest scheduled", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the schedule, restarting cron when it changed.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if old == cfg || s.ctx == nil {
		return nil
	}
	s.stopLocked()
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) stopLocked() {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx, loc := s.ctx, s.loc
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Run(ctx, loc); err != nil {
		s.log.Warn("digest delivery failed", logx.Err(err))
	}
}

// Run refreshes the gauges and sends one digest now.
func (s *Service) Run(ctx context.Context, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	list := s.sessions.List()
	counts := map[session.State]int{session.StateConnecting: 0, session.StateOpen: 0, session.StateClosed: 0}
	for _, in := range list {
		counts[in.State]++
	}
	for st, n := range counts {
		metrics.SessionsByState.WithLabelValues(st.String()).Set(float64(n))
	}
	if s.notify == nil {
		return nil
	}
	return s.notify(ctx, Digest(list, s.now().In(loc)))
}

// Digest renders the fleet summary sent to the log chat.
func Digest(list []session.Info, now time.Time) string {
	var open, connecting, closed, locked int
	var down []session.Info
	for _, in := range list {
		switch in.State {
		case session.StateOpen:
			open++
		case session.StateConnecting:
			connecting++
		default:
			closed++
			down = append(down, in)
		}
		if in.Locked {
			locked++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Fleet digest %s\n", now.Format("2006-01-02 15:04 MST"))
	if len(list) == 0 {
		b.WriteString("No sessions.")
		return b.String()
	}
	fmt.Fprintf(&b, "open %d | connecting %d | closed %d | locked %d", open, connecting, closed, locked)
	for _, in := range down {
		short := in.ShortID
		if short == "" {
			short = "-----"
		}
		fmt.Fprintf(&b, "\n%s +%s down", short, in.Phone)
		if in.LastCode != 0 {
			fmt.Fprintf(&b, " (code %d)", in.LastCode)
		}
	}
	return b.String()
}
