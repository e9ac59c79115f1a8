package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnknownTicket reports a resume whose ticket matches no live
// suspension: never issued, expired, or belonging to another execution.
var ErrUnknownTicket = errors.New("unknown wait ticket")

// WaitEntry is one suspended node awaiting an external resume.
type WaitEntry struct {
	ExecutionID  string
	NodeID       string
	Ticket       string
	Deadline     time.Time
	CallbackData map[string]any
}

type waitRecord struct {
	WaitEntry
	consumed bool
}

// TicketMarker durably marks consumed tickets so duplicate resumes stay
// idempotent across processes sharing the same backend. Optional; the
// in-memory registry alone covers a single process.
type TicketMarker interface {
	// MarkConsumed returns true when this call was the first to consume
	// the ticket.
	MarkConsumed(ctx context.Context, ticket string) (bool, error)
}

// ticketMarkTTL bounds marker growth; a ticket is meaningless long
// before this elapses.
const ticketMarkTTL = 7 * 24 * time.Hour

// RedisTicketMarker implements TicketMarker over Redis SetNX.
type RedisTicketMarker struct {
	redis *redis.Client
}

func NewRedisTicketMarker(client *redis.Client) *RedisTicketMarker {
	return &RedisTicketMarker{redis: client}
}

func (m *RedisTicketMarker) MarkConsumed(ctx context.Context, ticket string) (bool, error) {
	return m.redis.SetNX(ctx, "flume:wait:consumed:"+ticket, "1", ticketMarkTTL).Result()
}

// WaitRegistry tracks suspended nodes by ticket. Consumption is
// at-most-once: the first resume wins, duplicates are no-ops, and
// everything else is unknown.
type WaitRegistry struct {
	mu       sync.Mutex
	byTicket map[string]*waitRecord
	marker   TicketMarker
	logger   Logger
}

// NewWaitRegistry creates a registry. marker may be nil.
func NewWaitRegistry(marker TicketMarker, logger Logger) *WaitRegistry {
	return &WaitRegistry{
		byTicket: make(map[string]*waitRecord),
		marker:   marker,
		logger:   logger,
	}
}

// Register adds a suspension. A re-registered ticket overwrites; the
// engine mints UUID tickets so collisions do not occur in practice.
func (r *WaitRegistry) Register(entry WaitEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTicket[entry.Ticket] = &waitRecord{WaitEntry: entry}
}

// Consume resolves a ticket for the given execution. The first call
// returns the entry; duplicates return (nil, nil); tickets that were
// never registered, already expired, or belong to a different
// execution return ErrUnknownTicket.
func (r *WaitRegistry) Consume(ctx context.Context, executionID, ticket string) (*WaitEntry, error) {
	r.mu.Lock()
	rec, ok := r.byTicket[ticket]
	if !ok || rec.ExecutionID != executionID {
		r.mu.Unlock()
		return nil, ErrUnknownTicket
	}
	if rec.consumed {
		r.mu.Unlock()
		return nil, nil
	}
	rec.consumed = true
	r.mu.Unlock()

	if r.marker != nil {
		first, err := r.marker.MarkConsumed(ctx, ticket)
		if err != nil {
			// Local consumption already happened; losing the marker only
			// weakens cross-process duplicate detection.
			r.logger.Warn("ticket consumption marker unavailable",
				"ticket", ticket,
				"error", err)
		} else if !first {
			return nil, nil
		}
	}

	entry := rec.WaitEntry
	return &entry, nil
}

// Expired removes and returns every live suspension whose deadline has
// passed. Resumes arriving afterwards see an unknown ticket.
func (r *WaitRegistry) Expired(now time.Time) []WaitEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []WaitEntry
	for ticket, rec := range r.byTicket {
		if rec.consumed || rec.Deadline.After(now) {
			continue
		}
		expired = append(expired, rec.WaitEntry)
		delete(r.byTicket, ticket)
	}
	return expired
}

// CancelExecution drops every suspension of an execution.
func (r *WaitRegistry) CancelExecution(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ticket, rec := range r.byTicket {
		if rec.ExecutionID == executionID {
			delete(r.byTicket, ticket)
		}
	}
}

// Pending reports the number of live suspensions for an execution.
func (r *WaitRegistry) Pending(executionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.byTicket {
		if rec.ExecutionID == executionID && !rec.consumed {
			n++
		}
	}
	return n
}
