package trail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/racetrail/internal/monitoring"
	"github.com/banshee-data/racetrail/internal/timeutil"
)

// Fetcher is the backend query collaborator. From is inclusive, to is
// exclusive, and a range without data yields an empty slice, not an error.
type Fetcher interface {
	FetchFixes(ctx context.Context, entity EntityID, from, to time.Time) ([]Fix, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, entity EntityID, from, to time.Time) ([]Fix, error)

// FetchFixes calls f.
func (f FetcherFunc) FetchFixes(ctx context.Context, entity EntityID, from, to time.Time) ([]Fix, error) {
	return f(ctx, entity, from, to)
}

// ErrorReporter receives fetch failures.
type ErrorReporter func(error)

// Config holds the engine's timing parameters.
type Config struct {
	WindowLength    time.Duration
	RefreshInterval time.Duration
	QuickTip        time.Duration
	Playing         bool
}

// DefaultConfig returns the defaults used when no configuration file is given.
func DefaultConfig() Config {
	return Config{
		WindowLength:    5 * time.Minute,
		RefreshInterval: time.Second,
		QuickTip:        10 * time.Second,
		Playing:         true,
	}
}

// Request is one cursor update from the time control.
type Request struct {
	Now      time.Time
	Entities []EntityID
	// DetailChanged is set when the scalar being visualised has changed,
	// which invalidates cached detail values.
	DetailChanged bool
}

// UpdateResult describes what one Update did.
type UpdateResult struct {
	Sequence         uint64
	TransitionMillis int
	Quick            []FetchRange
	Slow             []FetchRange
	Discarded        bool
	SlowDiscarded    bool
	Merged           map[EntityID]MergeResult
}

// Engine drives the store from cursor updates: it plans the missing ranges,
// fetches them, merges the responses that are still current and slides each
// trail to the new window.
type Engine struct {
	store   *Store
	fetcher Fetcher
	clock   timeutil.Clock
	report  ErrorReporter
	seq     Sequencer

	mu      sync.Mutex
	cfg     Config
	lastNow time.Time
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithErrorReporter sets the receiver of fetch failures.
func WithErrorReporter(r ErrorReporter) EngineOption {
	return func(e *Engine) { e.report = r }
}

// WithEngineClock sets the clock used by Run.
func WithEngineClock(c timeutil.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an Engine over store and fetcher.
func NewEngine(store *Store, fetcher Fetcher, cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		fetcher: fetcher,
		clock:   timeutil.RealClock{},
		cfg:     cfg,
		report: func(err error) {
			monitoring.Logf("[trail] fetch failed: %v", err)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() *Store { return e.store }

// Config returns the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// UpdateConfig applies fn to the configuration under the engine lock.
func (e *Engine) UpdateConfig(fn func(*Config)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.cfg)
}

// Update processes one cursor update. It returns an error only when a fetch
// failed; out-of-order responses are dropped and reported through
// UpdateResult.Discarded.
func (e *Engine) Update(ctx context.Context, req Request) (*UpdateResult, error) {
	e.mu.Lock()
	cfg := e.cfg
	elapsed := time.Duration(-1)
	if !e.lastNow.IsZero() {
		elapsed = req.Now.Sub(e.lastNow)
	}
	e.lastNow = req.Now
	e.mu.Unlock()

	if req.DetailChanged {
		e.store.ResetAggregates()
	}

	transition := TransitionMillis(cfg.Playing, cfg.RefreshInterval, elapsed)
	plan := e.store.PlanFetch(req.Now, req.Entities, cfg.WindowLength, req.DetailChanged)
	quick, slow := SplitQuickSlow(plan, cfg.QuickTip)
	res := &UpdateResult{
		Sequence:         e.seq.Next(),
		TransitionMillis: transition,
		Quick:            quick,
		Slow:             slow,
		Merged:           make(map[EntityID]MergeResult),
	}

	batches, err := e.fetchAll(ctx, quick)
	if err != nil {
		e.fail(res.Sequence, err)
		return res, err
	}
	if !e.seq.Begin(res.Sequence) {
		e.discard(res.Sequence, "quick")
		res.Discarded = true
		return res, nil
	}

	replaced := make(map[EntityID]bool)
	for i, r := range quick {
		mr, ok := e.store.MergeRange(r, batches[i], transition)
		if !ok {
			continue
		}
		res.Merged[r.Entity] = mr
		if mr.Replaced {
			replaced[r.Entity] = true
		}
	}
	e.show(req, cfg, transition, true)

	if len(slow) == 0 {
		return res, nil
	}
	batches, err = e.fetchAll(ctx, slow)
	if err != nil {
		e.fail(res.Sequence, err)
		return res, err
	}
	if !e.seq.Current(res.Sequence) {
		e.discard(res.Sequence, "slow")
		res.SlowDiscarded = true
		return res, nil
	}
	for i, r := range slow {
		// The quick half already replaced the cache, so the full range
		// now extends it instead of replacing it again.
		if replaced[r.Entity] {
			r.Incremental = true
		}
		mr, ok := e.store.MergeRange(r, batches[i], transition)
		if !ok {
			continue
		}
		prev := res.Merged[r.Entity]
		res.Merged[r.Entity] = MergeResult{
			Replaced:  prev.Replaced || mr.Replaced,
			Inserted:  prev.Inserted + mr.Inserted,
			Updated:   prev.Updated + mr.Updated,
			Retracted: prev.Retracted + mr.Retracted,
			Ignored:   prev.Ignored + mr.Ignored,
		}
	}
	e.show(req, cfg, transition, false)
	return res, nil
}

// show slides every requested entity's trail to the window ending at now and
// refreshes the shared boundaries. On the first pass of a request, trails of
// entities no longer requested are removed and a time jump rebuilds all
// trails.
func (e *Engine) show(req Request, cfg Config, transition int, first bool) {
	if first {
		if TimeJumped(transition, cfg.RefreshInterval) {
			e.store.ClearTrails()
		}
		wanted := make(map[EntityID]bool, len(req.Entities))
		for _, id := range req.Entities {
			wanted[id] = true
		}
		for _, id := range e.store.Entities() {
			if !wanted[id] && e.store.HasTrail(id) {
				e.store.RemoveTrail(id)
			}
		}
	}
	from := req.Now.Add(-cfg.WindowLength)
	delay := HalfDelay(transition)
	for _, id := range req.Entities {
		if !e.store.HasFixes(id) {
			continue
		}
		if e.store.HasTrail(id) {
			e.store.SlideWindow(id, from, req.Now, delay)
		} else {
			e.store.SlideWindow(id, from, req.Now, -1)
		}
	}
	e.store.RefreshBoundaries(req.Entities)
}

func (e *Engine) fetchAll(ctx context.Context, ranges []FetchRange) ([][]Fix, error) {
	out := make([][]Fix, len(ranges))
	if len(ranges) == 0 {
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		g.Go(func() error {
			fixes, err := e.fetcher.FetchFixes(gctx, r.Entity, r.From, r.To)
			if err != nil {
				return fmt.Errorf("fetch %s [%s, %s): %w", r.Entity,
					r.From.Format(time.RFC3339), r.To.Format(time.RFC3339), err)
			}
			out[i] = fixes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) fail(seq uint64, err error) {
	if e.report != nil {
		e.report(err)
	}
	e.store.publish(Event{Kind: EventFetchFailed, Sequence: seq, Detail: err.Error()})
}

func (e *Engine) discard(seq uint64, half string) {
	monitoring.Debugf("[trail] discarding %s response %d, already processing %d", half, seq, e.seq.Started())
	e.store.publish(Event{Kind: EventResponseDiscarded, Sequence: seq, Detail: half})
}

// Run issues an Update on every refresh tick until ctx is cancelled. Each
// update runs in its own goroutine, so a slow response never delays the next
// tick; the sequence gate discards whichever responses are overtaken.
//
// next builds the request for each tick.
func (e *Engine) Run(ctx context.Context, next func() Request) error {
	ticker := e.clock.NewTicker(e.Config().RefreshInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			req := next()
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := e.Update(ctx, req); err != nil && ctx.Err() == nil {
					monitoring.Logf("[trail] update at %s failed: %v", req.Now.Format(time.RFC3339), err)
				}
			}()
		}
	}
}
