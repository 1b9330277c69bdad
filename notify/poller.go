package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/sprinkles/telemetry"
)

const DefaultMaxAge = 72 * time.Hour

// Poller runs the notification cycle for one Source.
type Poller struct {
	Source   Source
	Seen     SeenStore
	Sender   Sender
	Channels []string // destination channels; empty sends once to the Sender's default
	Interval time.Duration
	MaxAge   time.Duration // items older than this are never notified; default 72h
	Now      func() time.Time
	Logger   *slog.Logger

	cycleMu sync.Mutex // one cycle at a time per source

	mu     sync.Mutex
	status Status
}

// Status describes the last finished cycle.
type Status struct {
	Source     string        `json:"source"`
	Targets    int           `json:"targets"`
	LastCycle  time.Time     `json:"last_cycle,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	Notified   int           `json:"notified"`
	Failures   int           `json:"failures"`
	TotalSent  int           `json:"total_sent"`
	CycleCount int           `json:"cycle_count"`
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Poller) maxAge() time.Duration {
	if p.MaxAge > 0 {
		return p.MaxAge
	}
	return DefaultMaxAge
}

func (p *Poller) logger() *slog.Logger {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "poller"), slog.String("source", p.Source.Name()))
}

// Name is the source name.
func (p *Poller) Name() string { return p.Source.Name() }

// Run repeats Cycle with Interval between cycles until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	log := p.logger()
	log.Info("poller started", slog.Duration("interval", interval), slog.Int("targets", len(p.Source.Targets())))
	// Shutdown stops the cycle between targets; calls already in flight
	// finish under their HTTP client timeout.
	work := context.WithoutCancel(ctx)
	for {
		p.cycle(ctx, work)
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info("poller stopped")
			return nil
		case <-t.C:
		}
	}
}

// Cycle polls every target once and returns the events that were delivered.
// Failures are contained to their target or item and only logged.
func (p *Poller) Cycle(ctx context.Context) []Event {
	return p.cycle(ctx, ctx)
}

// cycle checks stop between targets and runs the platform calls under ctx.
func (p *Poller) cycle(stop, ctx context.Context) []Event {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	name := p.Source.Name()
	ctx = telemetry.NewCorrelation(ctx)
	ctx, span := telemetry.StartSpan(ctx, "notify", "poll.cycle", telemetry.SourceAttr(name))
	defer span.End()
	log := p.logger().With(slog.String("corr", telemetry.GetCorrelation(ctx)))

	start := time.Now()
	targets := p.Source.Targets()
	if prep, ok := p.Source.(Preparer); ok {
		if err := prep.Prepare(ctx, targets); err != nil {
			log.Warn("prepare failed", slog.Any("err", err))
		}
	}

	var events []Event
	failures := 0
	for _, target := range targets {
		if stop.Err() != nil {
			break
		}
		evs, ok := p.pollTarget(ctx, target, log.With(slog.String("target", target)))
		events = append(events, evs...)
		if !ok {
			failures++
		}
	}
	d := time.Since(start)
	telemetry.ObservePoll(name, d)
	log.Debug("poll cycle done", slog.Int("targets", len(targets)), slog.Int("notified", len(events)), slog.Duration("took", d))

	p.mu.Lock()
	p.status.Source = name
	p.status.Targets = len(targets)
	p.status.LastCycle = p.now()
	p.status.Duration = d
	p.status.Notified = len(events)
	p.status.Failures = failures
	p.status.TotalSent += len(events)
	p.status.CycleCount++
	p.mu.Unlock()
	return events
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.status
	s.Source = p.Source.Name()
	return s
}

// pollTarget runs steps fetch, stale filter, seen filter, deliver for one
// target. A panic aborts the rest of this target only; events delivered
// before it are still returned.
func (p *Poller) pollTarget(ctx context.Context, target string, log *slog.Logger) (events []Event, ok bool) {
	name := p.Source.Name()
	key := SourceKey(name, target)
	defer func() {
		if r := recover(); r != nil {
			log.Error("target processing panicked", slog.Any("panic", r))
			ok = false
		}
	}()

	items, err := p.Source.Fetch(ctx, target)
	if err != nil {
		log.Warn("fetch failed", slog.Any("err", err))
		telemetry.FetchFailed(name)
		return nil, false
	}
	cutoff := p.now().Add(-p.maxAge())
	for _, it := range items {
		if !it.CreatedAt.IsZero() && it.CreatedAt.Before(cutoff) {
			telemetry.ItemSkipped(name, "stale")
			continue
		}
		seen, err := p.Seen.Has(ctx, key, it.ID)
		if err != nil {
			log.Warn("seen lookup failed", slog.String("item", it.ID), slog.Any("err", err))
			continue
		}
		if seen {
			telemetry.ItemSkipped(name, "seen")
			continue
		}
		ev := Event{SourceKey: key, ItemID: it.ID, ItemTime: it.CreatedAt, Payload: it.Payload}
		if !p.deliver(ctx, ev, log) {
			continue
		}
		if err := p.Seen.Add(ctx, key, it.ID); err != nil {
			log.Warn("record seen failed", slog.String("item", it.ID), slog.Any("err", err))
		}
		events = append(events, ev)
	}
	return events, true
}

// deliver sends ev to every channel and reports whether any send succeeded.
func (p *Poller) deliver(ctx context.Context, ev Event, log *slog.Logger) bool {
	channels := p.Channels
	if len(channels) == 0 {
		channels = []string{""}
	}
	name := p.Source.Name()
	delivered := false
	for _, ch := range channels {
		if err := p.Sender.Send(ctx, ev.Payload, ch); err != nil {
			telemetry.NotificationError(name)
			log.Warn("send failed", slog.String("item", ev.ItemID), slog.Any("err", err))
			continue
		}
		delivered = true
	}
	if delivered {
		telemetry.NotificationSent(name)
		log.Info("notification sent", slog.String("item", ev.ItemID))
	}
	return delivered
}
