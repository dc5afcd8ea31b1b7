package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"wafleet/internal/eventbus"
	"wafleet/internal/metrics"
	"wafleet/internal/phone"
	rtsup "wafleet/internal/runtime/supervisor"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	"wafleet/internal/wire"
	logx "wafleet/pkg/logx"
)

type Deps struct {
	Handles      HandleSource
	Destinations storage.DestinationStore
	Normalizer   *phone.Normalizer
	Bus          eventbus.Bus
	Log          logx.Logger
}

type Dispatcher struct {
	handles HandleSource
	dest    storage.DestinationStore
	norm    *phone.Normalizer
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, deps Deps) *Dispatcher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	norm := deps.Normalizer
	if norm == nil {
		norm = phone.New("")
	}
	d := &Dispatcher{
		handles: deps.Handles,
		dest:    deps.Destinations,
		norm:    norm,
		bus:     deps.Bus,
		log:     log.With(logx.String("comp", "dispatch")),
	}
	d.Apply(cfg)
	return d
}

// Apply swaps pacing and concurrency settings. Runs in flight keep theirs.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	d.mu.Lock()
	d.cfg, d.limiter = cfg, lim
	d.mu.Unlock()
}

func (d *Dispatcher) settings() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// job is one destination in input order.
type job struct {
	idx int
	raw string
}

// target is where a job resolved to: the network address, and for phone
// destinations the canonical form the destination store keeps.
type target struct {
	addr      string
	canonical string
}

// sendFunc delivers payload to raw through h.
type sendFunc func(ctx context.Context, h session.Handle, raw string, p wire.Payload) (target, error)

// Broadcast sends run.Payload to every target through the OPEN sessions and
// removes successfully delivered targets from the destination store.
func (d *Dispatcher) Broadcast(ctx context.Context, run Run) (Report, error) {
	return d.execute(ctx, run, d.sendDirect, true)
}

// Groupcast treats every target as a group invite link or code: the assigned
// session joins the group, then sends to it. Targets are not removed from the
// destination store.
func (d *Dispatcher) Groupcast(ctx context.Context, run Run) (Report, error) {
	return d.execute(ctx, run, d.sendGroup, false)
}

func (d *Dispatcher) execute(ctx context.Context, run Run, send sendFunc, removeDelivered bool) (Report, error) {
	if err := run.Payload.Validate(); err != nil {
		return Report{}, err
	}
	if len(d.handles.OpenHandles()) == 0 {
		return Report{}, ErrNoOpenSessions
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	cfg, limiter := d.settings()
	workers := cfg.Concurrency
	if run.Concurrency > 0 {
		workers = run.Concurrency
	}
	workers = min(workers, max(1, len(run.Targets)))

	start := time.Now()
	log := d.log.With(logx.String("run_id", run.ID))
	log.Info("broadcast started", logx.Int("targets", len(run.Targets)), logx.Int("workers", workers),
		logx.String("payload", string(run.Payload.Kind)))

	t := &tally{runID: run.ID, total: len(run.Targets), every: cfg.ProgressEvery, progress: run.Progress, bus: d.bus}
	var cursor atomic.Uint64

	jobs := make(chan job)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				res, canonical := d.runJob(ctx, cfg, limiter, &cursor, run.Payload, j, send)
				t.record(res, canonical)
			}
		}()
	}

	fed := 0
feed:
	for i, raw := range run.Targets {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- job{idx: i, raw: raw}:
			fed++
		}
	}
	close(jobs)
	wg.Wait()

	// Shutdown mid-run: unfed targets count as failed.
	for i := fed; i < len(run.Targets); i++ {
		t.record(JobResult{Raw: run.Targets[i], Outcome: Failed, Err: ctx.Err().Error()}, "")
	}

	rep := t.report()
	rep.Elapsed = time.Since(start)

	if removeDelivered && d.dest != nil && len(t.delivered) > 0 {
		// The run may outlive ctx; removal still has to land.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		n, err := d.dest.RemoveMany(rctx, t.delivered)
		cancel()
		rep.Removed = n
		if err != nil {
			log.Error("remove delivered destinations failed", logx.Int("count", len(t.delivered)), logx.Int("removed", n), logx.Err(err))
		}
	}

	metrics.BroadcastRunDuration.Observe(rep.Elapsed.Seconds())
	t.finish()
	eventbus.Emit(d.bus, eventbus.BroadcastDone, rep)
	log.Info("broadcast finished", logx.Int("delivered", rep.Delivered), logx.Int("failed", rep.Failed),
		logx.Int("not_found", rep.NotFound), logx.Int("skipped", rep.Skipped), logx.Int("removed", rep.Removed), logx.Duration("elapsed", rep.Elapsed))
	return rep, nil
}

// runJob executes one destination and returns its result plus the canonical
// address on delivery. Errors, timeouts and panics all become a Failed result.
func (d *Dispatcher) runJob(ctx context.Context, cfg Config, limiter *rate.Limiter, cursor *atomic.Uint64,
	payload wire.Payload, j job, send sendFunc) (res JobResult, canonical string) {
	res = JobResult{Raw: j.raw, Outcome: Failed}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("broadcast job panicked", logx.String("target", j.raw), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res.Outcome, res.Err = Failed, fmt.Sprintf("panic: %v", r)
			canonical = ""
		}
		metrics.BroadcastJobs.WithLabelValues(string(res.Outcome)).Inc()
	}()

	handles := d.handles.OpenHandles()
	if len(handles) == 0 {
		res.Err = ErrNoOpenSessions.Error()
		return res, ""
	}
	h := handles[int((cursor.Add(1)-1)%uint64(len(handles)))]
	res.ShortID = h.ShortID

	if !pace(ctx, cfg.PaceMin, cfg.PaceMax) {
		res.Err = ctx.Err().Error()
		return res, ""
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			res.Err = err.Error()
			return res, ""
		}
	}

	jctx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
	defer cancel()
	tgt, err := send(jctx, h, j.raw, payload)
	res.Normalized = tgt.addr
	switch {
	case err == nil:
		res.Outcome = Delivered
		canonical = tgt.canonical
	case errors.Is(err, ErrNotOnNetwork):
		res.Outcome, res.Err = NotFound, err.Error()
	case errors.Is(err, ErrAlreadyMember):
		res.Outcome, res.Err = Skipped, err.Error()
		d.log.Info("already a group member, group unresolved; skipped", logx.String("target", j.raw), logx.String("short_id", h.ShortID))
	default:
		res.Err = err.Error()
		d.log.Debug("broadcast job failed", logx.String("target", j.raw), logx.String("short_id", h.ShortID), logx.Err(err))
	}
	return res, canonical
}

func (d *Dispatcher) sendDirect(ctx context.Context, h session.Handle, raw string, p wire.Payload) (target, error) {
	r, ok := d.norm.Normalize(raw)
	if !ok {
		return target{}, ErrInvalidAddress
	}
	tgt := target{addr: r.International(), canonical: d.norm.Canonical(r)}
	exists, err := h.Conn.CheckExists(ctx, tgt.addr)
	if err != nil {
		return tgt, fmt.Errorf("check exists: %w", err)
	}
	if !exists {
		return tgt, ErrNotOnNetwork
	}
	_, err = h.Conn.Send(ctx, tgt.addr, p)
	return tgt, err
}

// sendGroup leaves canonical empty: invite targets are never pruned.
func (d *Dispatcher) sendGroup(ctx context.Context, h session.Handle, raw string, p wire.Payload) (target, error) {
	invite := InviteCode(raw)
	if invite == "" {
		return target{}, ErrInvalidAddress
	}
	group, err := h.Conn.JoinGroup(ctx, invite)
	if err != nil {
		var we *wire.Error
		if !errors.As(err, &we) || we.Kind != wire.KindAlreadyMember {
			return target{addr: group}, fmt.Errorf("join group: %w", err)
		}
		if we.Addr == "" {
			// Joined earlier, but the link did not resolve to a group to send to.
			return target{}, ErrAlreadyMember
		}
		group = we.Addr
	}
	_, err = h.Conn.Send(ctx, group, p)
	return target{addr: group}, err
}

// InviteCode extracts the code from a group invite link, or returns raw
// trimmed when it is already a bare code. It returns "" for blank input.
func InviteCode(raw string) string {
	s := strings.TrimSpace(raw)
	for _, p := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimPrefix(s, "chat.whatsapp.com/")
	s = strings.TrimPrefix(s, "invite/")
	if i := strings.IndexAny(s, "?# "); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, "/")
}

// pace sleeps a uniformly random duration in [lo, hi].
func pace(ctx context.Context, lo, hi time.Duration) bool {
	wait := lo
	if hi > lo {
		wait += time.Duration(rand.Int64N(int64(hi-lo) + 1))
	}
	return rtsup.Sleep(ctx, wait)
}
