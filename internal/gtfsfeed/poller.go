package gtfsfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/racetrail/internal/httputil"
	"github.com/banshee-data/racetrail/internal/monitoring"
	"github.com/banshee-data/racetrail/internal/timeutil"
	"github.com/banshee-data/racetrail/internal/trail"
)

// Sink stores decoded fixes. *db.DB satisfies it.
type Sink interface {
	InsertFixes(ctx context.Context, entity trail.EntityID, fixes []trail.Fix) (int, error)
}

// PollStats summarises what a poller has done so far.
type PollStats struct {
	Polls    int       `json:"polls"`
	Failures int       `json:"failures"`
	Inserted int       `json:"inserted"`
	LastPoll time.Time `json:"last_poll"`
	LastErr  string    `json:"last_error,omitempty"`
}

// Poller fetches a VehiclePositions feed on an interval and writes new
// fixes into a Sink.
type Poller struct {
	client   httputil.HTTPClient
	url      string
	sink     Sink
	interval time.Duration
	clock    timeutil.Clock

	mu    sync.Mutex
	stats PollStats
	// last holds the newest timestamp inserted per entity, so a feed that
	// repeats a position does not rewrite it.
	last map[trail.EntityID]time.Time
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithPollClock sets the clock driving Run.
func WithPollClock(c timeutil.Clock) PollerOption {
	return func(p *Poller) { p.clock = c }
}

// NewPoller returns a Poller reading url through client every interval.
func NewPoller(client httputil.HTTPClient, url string, sink Sink, interval time.Duration, opts ...PollerOption) *Poller {
	p := &Poller{
		client:   client,
		url:      url,
		sink:     sink,
		interval: interval,
		clock:    timeutil.RealClock{},
		last:     make(map[trail.EntityID]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns a snapshot of the poll counters.
func (p *Poller) Stats() PollStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// PollOnce fetches the feed once and inserts fixes newer than anything
// already inserted for their entity. It returns the number inserted.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	n, err := p.poll(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Polls++
	p.stats.LastPoll = p.clock.Now()
	p.stats.Inserted += n
	if err != nil {
		p.stats.Failures++
		p.stats.LastErr = err.Error()
	} else {
		p.stats.LastErr = ""
	}
	return n, err
}

func (p *Poller) poll(ctx context.Context) (int, error) {
	body, err := httputil.GetBytes(ctx, p.client, p.url, "application/x-protobuf")
	if err != nil {
		return 0, fmt.Errorf("fetch feed: %w", err)
	}
	batch, err := Decode(body)
	if errors.Is(err, ErrNoFixes) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	inserted := 0
	for _, id := range batch.Entities() {
		fresh := p.newer(id, batch.Fixes[id])
		if len(fresh) == 0 {
			continue
		}
		n, err := p.sink.InsertFixes(ctx, id, fresh)
		if err != nil {
			return inserted, fmt.Errorf("store %s: %w", id, err)
		}
		inserted += n
		p.mu.Lock()
		p.last[id] = fresh[len(fresh)-1].Timestamp
		p.mu.Unlock()
	}
	if batch.Skipped > 0 {
		monitoring.Debugf("[gtfsfeed] skipped %d vehicle entities without position or time", batch.Skipped)
	}
	return inserted, nil
}

func (p *Poller) newer(id trail.EntityID, fixes []trail.Fix) []trail.Fix {
	p.mu.Lock()
	last, seen := p.last[id]
	p.mu.Unlock()
	if !seen {
		return fixes
	}
	for i, f := range fixes {
		if f.Timestamp.After(last) {
			return fixes[i:]
		}
	}
	return nil
}

// Run polls immediately and then on every tick until ctx is cancelled.
// Poll failures are logged and do not stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if n, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("[gtfsfeed] poll %s failed: %v", p.url, err)
		} else if n > 0 {
			monitoring.Debugf("[gtfsfeed] inserted %d fixes", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}
