package dispatch

import (
	"sort"
	"sync"

	"wafleet/internal/eventbus"
)

// tally accumulates job results from concurrent workers.
type tally struct {
	runID    string
	total    int
	every    int
	progress func(Progress)
	bus      eventbus.Bus

	mu        sync.Mutex
	done      int
	ok        int
	failed    int
	notFound  int
	skipped   int
	delivered []string
	failures  []JobResult
}

// record counts res. canonical is the delivered address to prune from the
// destination store, empty when nothing should be pruned.
func (t *tally) record(res JobResult, canonical string) {
	t.mu.Lock()
	t.done++
	switch res.Outcome {
	case Delivered:
		t.ok++
		if canonical != "" {
			t.delivered = append(t.delivered, canonical)
		}
	case NotFound:
		t.failed++
		t.notFound++
	case Skipped:
		t.skipped++
	default:
		t.failed++
	}
	if (res.Outcome == NotFound || res.Outcome == Failed) && len(t.failures) < maxFailureSamples {
		t.failures = append(t.failures, res)
	}
	var p *Progress
	if t.done%t.every == 0 && t.done < t.total {
		p = &Progress{RunID: t.runID, Total: t.total, Done: t.done, Delivered: t.ok, Failed: t.failed}
	}
	t.mu.Unlock()

	if p != nil {
		t.emit(*p)
	}
}

func (t *tally) emit(p Progress) {
	eventbus.Emit(t.bus, eventbus.BroadcastProgress, p)
	if t.progress != nil {
		t.progress(p)
	}
}

// finish emits the final progress tick.
func (t *tally) finish() {
	t.mu.Lock()
	p := Progress{RunID: t.runID, Total: t.total, Done: t.done, Delivered: t.ok, Failed: t.failed}
	t.mu.Unlock()
	t.emit(p)
}

func (t *tally) report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	failures := append([]JobResult(nil), t.failures...)
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].Raw < failures[j].Raw })
	return Report{
		RunID:     t.runID,
		Total:     t.total,
		Delivered: t.ok,
		Failed:    t.failed,
		NotFound:  t.notFound,
		Skipped:   t.skipped,
		Failures:  failures,
	}
}
