package reconcile

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oddsforge/oddsforge/core"
)

// RegistryOptions configures event matching and lifecycle.
type RegistryOptions struct {
	// MatchWindow is the maximum start-time delta for two provider listings
	// to be the same event.
	MatchWindow time.Duration
	// GracePeriod is how long after scheduled start an event stays mutable.
	// Past it the event is archived, kept for audit, and never touched again.
	GracePeriod time.Duration
	// Shards splits reconciliation by participant key so each canonical
	// event has a single writer shard.
	Shards int

	Logger *zap.Logger
	Now    func() time.Time // test hook
}

func (o *RegistryOptions) defaults() {
	if o.MatchWindow <= 0 {
		o.MatchWindow = 5 * time.Minute
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 3 * time.Hour
	}
	if o.Shards <= 0 {
		o.Shards = 8
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type regShard struct {
	mu sync.RWMutex
	// byKey indexes live events by participant key; a key can hold several
	// events (double-headers on one day differ only by start time).
	byKey    map[string][]*core.CanonicalEvent
	byID     map[string]*core.CanonicalEvent
	archived map[string]*core.CanonicalEvent
}

// Registry owns every CanonicalEvent and Market. No other component
// constructs or mutates them.
type Registry struct {
	opts   RegistryOptions
	norm   *Normalizer
	shards []*regShard

	ambMu       sync.Mutex
	ambiguities []core.AmbiguousMatch
}

// NewRegistry creates a registry using the given canonicalization table.
func NewRegistry(norm *Normalizer, opts RegistryOptions) *Registry {
	opts.defaults()
	r := &Registry{opts: opts, norm: norm, shards: make([]*regShard, opts.Shards)}
	for i := range r.shards {
		r.shards[i] = &regShard{
			byKey:    make(map[string][]*core.CanonicalEvent),
			byID:     make(map[string]*core.CanonicalEvent),
			archived: make(map[string]*core.CanonicalEvent),
		}
	}
	return r
}

func (r *Registry) shardFor(key string) *regShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// QuotePlacement records where a reconciled quote landed: the canonical
// event that absorbed it and the market key within that event. Discarded
// quotes never produce a placement.
type QuotePlacement struct {
	CanonicalID string
	MarketKey   string
	Quote       core.Quote
}

// ApplyResult summarizes one batch application.
type ApplyResult struct {
	Created    int
	Linked     int
	Applied    int // quotes upserted into markets
	Discarded  int // out-of-order or aimed at archived events
	Ambiguous  int
	Placements []QuotePlacement // one per applied quote, in batch order
}

// Apply reconciles a batch of quotes into canonical events. Per quote:
// zero matching events creates a new one, exactly one links and upserts,
// and multiple candidates resolve to the closest start time — a stated
// tie-break, logged for audit, never a duplicate event.
func (r *Registry) Apply(batch []core.Quote) ApplyResult {
	var res ApplyResult
	for i := range batch {
		r.applyOne(&batch[i], &res)
	}
	return res
}

func (r *Registry) applyOne(q *core.Quote, res *ApplyResult) {
	key := r.norm.ParticipantKey(q.Sport, q.Participants)
	s := r.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*core.CanonicalEvent
	for _, ev := range s.byKey[key] {
		delta := q.ScheduledStart.Sub(ev.ScheduledStart)
		if delta < 0 {
			delta = -delta
		}
		if delta <= r.opts.MatchWindow {
			candidates = append(candidates, ev)
		}
	}

	var ev *core.CanonicalEvent
	switch len(candidates) {
	case 0:
		ev = r.createLocked(s, key, q)
		res.Created++
	case 1:
		ev = candidates[0]
	default:
		ev = closestByStart(candidates, q.ScheduledStart)
		amb := core.AmbiguousMatch{
			ProviderID:      q.ProviderID,
			EventExternalID: q.EventExternalID,
			Participants:    q.Participants,
			ScheduledStart:  q.ScheduledStart,
			ChosenID:        ev.CanonicalID,
			OccurredAt:      r.opts.Now(),
		}
		for _, c := range candidates {
			amb.CandidateIDs = append(amb.CandidateIDs, c.CanonicalID)
		}
		r.recordAmbiguity(amb)
		res.Ambiguous++
	}

	if ev.Archived {
		res.Discarded++
		return
	}

	if _, linked := ev.ProviderLinks[q.ProviderID]; !linked {
		ev.ProviderLinks[q.ProviderID] = q.EventExternalID
		res.Linked++
	}

	mk := core.MarketKey(q.MarketType, q.Line)
	m, ok := ev.Markets[mk]
	if !ok {
		m = &core.Market{
			EventID: ev.CanonicalID,
			Sport:   ev.Sport,
			Type:    q.MarketType,
			Line:    q.Line,
			Quotes:  make(map[string]core.Quote),
		}
		ev.Markets[mk] = m
	}
	if m.Upsert(*q) {
		ev.UpdatedAt = r.opts.Now()
		res.Applied++
		res.Placements = append(res.Placements, QuotePlacement{
			CanonicalID: ev.CanonicalID,
			MarketKey:   mk,
			Quote:       *q,
		})
	} else {
		// Older ObservedAt than what the market holds: network jitter
		// delivered it late. Drop it.
		res.Discarded++
	}
}

func (r *Registry) createLocked(s *regShard, key string, q *core.Quote) *core.CanonicalEvent {
	now := r.opts.Now()
	ev := &core.CanonicalEvent{
		CanonicalID:    uuid.NewString(),
		Sport:          q.Sport,
		Participants:   r.norm.NormalizeAll(q.Participants),
		ScheduledStart: q.ScheduledStart,
		ProviderLinks:  make(map[string]string),
		Markets:        make(map[string]*core.Market),
		FirstSeen:      now,
		UpdatedAt:      now,
	}
	s.byKey[key] = append(s.byKey[key], ev)
	s.byID[ev.CanonicalID] = ev
	return ev
}

func closestByStart(candidates []*core.CanonicalEvent, start time.Time) *core.CanonicalEvent {
	best := candidates[0]
	bestDelta := time.Duration(math.MaxInt64)
	for _, c := range candidates {
		d := start.Sub(c.ScheduledStart)
		if d < 0 {
			d = -d
		}
		if d < bestDelta {
			bestDelta = d
			best = c
		}
	}
	return best
}

func (r *Registry) recordAmbiguity(a core.AmbiguousMatch) {
	r.opts.Logger.Warn("ambiguous event match",
		zap.String("provider", a.ProviderID),
		zap.String("external_id", a.EventExternalID),
		zap.Strings("candidates", a.CandidateIDs),
		zap.String("chosen", a.ChosenID))
	r.ambMu.Lock()
	r.ambiguities = append(r.ambiguities, a)
	r.ambMu.Unlock()
}

// Ambiguities returns the recorded ambiguous matches for audit.
func (r *Registry) Ambiguities() []core.AmbiguousMatch {
	r.ambMu.Lock()
	defer r.ambMu.Unlock()
	out := make([]core.AmbiguousMatch, len(r.ambiguities))
	copy(out, r.ambiguities)
	return out
}

// ArchiveExpired moves events whose start passed more than the grace period
// ago out of the live index. Archived events are kept for post-hoc audit and
// never mutated. Returns the number archived.
func (r *Registry) ArchiveExpired() int {
	cutoff := r.opts.Now().Add(-r.opts.GracePeriod)
	archived := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for key, evs := range s.byKey {
			kept := evs[:0]
			for _, ev := range evs {
				if ev.ScheduledStart.Before(cutoff) {
					ev.Archived = true
					s.archived[ev.CanonicalID] = ev
					delete(s.byID, ev.CanonicalID)
					archived++
				} else {
					kept = append(kept, ev)
				}
			}
			if len(kept) == 0 {
				delete(s.byKey, key)
			} else {
				s.byKey[key] = kept
			}
		}
		s.mu.Unlock()
	}
	return archived
}

// Snapshot returns deep copies of live events for a sport within the time
// range, so EV and arbitrage readers never observe a half-applied cycle.
// Zero time bounds are open-ended; empty sport matches all.
func (r *Registry) Snapshot(sport string, from, to time.Time) []core.CanonicalEvent {
	var out []core.CanonicalEvent
	for _, s := range r.shards {
		s.mu.RLock()
		for _, ev := range s.byID {
			if ev.Archived {
				continue
			}
			if sport != "" && ev.Sport != sport {
				continue
			}
			if !from.IsZero() && ev.ScheduledStart.Before(from) {
				continue
			}
			if !to.IsZero() && ev.ScheduledStart.After(to) {
				continue
			}
			out = append(out, copyEvent(ev))
		}
		s.mu.RUnlock()
	}
	return out
}

// Event returns a deep copy of one event, live or archived.
func (r *Registry) Event(canonicalID string) (core.CanonicalEvent, bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		ev, ok := s.byID[canonicalID]
		if !ok {
			ev, ok = s.archived[canonicalID]
		}
		if ok {
			c := copyEvent(ev)
			s.mu.RUnlock()
			return c, true
		}
		s.mu.RUnlock()
	}
	return core.CanonicalEvent{}, false
}

func copyEvent(ev *core.CanonicalEvent) core.CanonicalEvent {
	c := *ev
	c.Participants = append([]string(nil), ev.Participants...)
	c.ProviderLinks = make(map[string]string, len(ev.ProviderLinks))
	for k, v := range ev.ProviderLinks {
		c.ProviderLinks[k] = v
	}
	c.Markets = make(map[string]*core.Market, len(ev.Markets))
	for k, m := range ev.Markets {
		mc := *m
		mc.Quotes = make(map[string]core.Quote, len(m.Quotes))
		for bk, q := range m.Quotes {
			mc.Quotes[bk] = q
		}
		c.Markets[k] = &mc
	}
	return c
}
