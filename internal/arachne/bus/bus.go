// Package bus implements the per-Entity in-memory message queues: bounded
// FIFO, per-message TTL with a background sweep, and transparent AES-256-GCM
// encryption at rest keyed per Entity.
//
// The bus never blocks the router. A full queue drops its oldest messages
// with a warning instead of back-pressuring, because the gateway cannot be
// paused; AI clients can fall back to live channel history for anything
// lost. A process restart empties every queue by design.
package bus

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/arachne-mcp/arachne/common/crypto"
)

// Sentinel strings substituted for unreadable ciphertext.
const (
	// SentinelEncrypted is returned when no decryption key is available
	// (OAuth-only readers that never presented the raw API key).
	SentinelEncrypted = "[encrypted]"
	// SentinelKeyMismatch is returned when decryption fails authentication,
	// e.g. reading with a key derived from a rotated API key. The message
	// itself is kept.
	SentinelKeyMismatch = "[encrypted — key mismatch]"
)

// Message is one queued inbound event. Content may be ciphertext
// (base64-encoded) when Encrypted is set.
type Message struct {
	ID          string
	ChannelID   string
	ChannelName string
	ServerID    string
	AuthorID    string
	AuthorName  string
	Content     string
	Encrypted   bool
	// Addressed: the Entity's role was mentioned.
	Addressed bool
	// Triggered: one of the Entity's trigger words matched.
	Triggered bool
	// Watch: the channel is in the Entity's watch set.
	Watch      bool
	ReceivedAt time.Time
	ExpiresAt  time.Time
}

// Config holds the bus knobs.
type Config struct {
	// TTL is the per-message lifetime. Zero means DefaultTTL.
	TTL time.Duration
	// Cap is the per-queue bound. Zero means DefaultCap.
	Cap int
	// SweepInterval is the eviction period. Zero means DefaultSweepInterval.
	SweepInterval time.Duration
}

const (
	DefaultTTL           = 15 * time.Minute
	DefaultCap           = 500
	DefaultSweepInterval = 60 * time.Second
)

type queue struct {
	mu   sync.Mutex
	msgs []*Message
	// gone is set, under mu, when the queue is removed from the map.
	// An Enqueue holding a stale pointer sees it and retries instead of
	// appending to an orphan.
	gone bool
}

// Bus maps Entity ids to bounded FIFO queues.
type Bus struct {
	cfg Config

	mu     sync.RWMutex
	queues map[string]*queue
}

// New creates an empty bus. Run starts the eviction sweep.
func New(cfg Config) *Bus {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Bus{cfg: cfg, queues: make(map[string]*queue)}
}

func (b *Bus) getOrCreate(entityID string) *queue {
	b.mu.RLock()
	q, ok := b.queues[entityID]
	b.mu.RUnlock()
	if ok {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok = b.queues[entityID]; ok {
		return q
	}
	q = &queue{}
	b.queues[entityID] = q
	return q
}

// Enqueue appends a message to the Entity's queue. When key is non-nil the
// content is replaced with AES-256-GCM ciphertext before it is stored. A
// full queue sheds its oldest messages, preserving FIFO order of survivors.
func (b *Bus) Enqueue(entityID string, m Message, key []byte) {
	now := time.Now()
	m.ReceivedAt = now
	m.ExpiresAt = now.Add(b.cfg.TTL)

	if key != nil {
		ciphertext, err := crypto.Encrypt(key, []byte(m.Content))
		if err != nil {
			slog.Warn("bus: encrypt on enqueue failed, storing plaintext",
				"entity", entityID, "err", err)
		} else {
			m.Content = base64.StdEncoding.EncodeToString(ciphertext)
			m.Encrypted = true
		}
	}

	for {
		q := b.getOrCreate(entityID)
		q.mu.Lock()
		if q.gone {
			// The sweep (or a Drop) removed this queue between the map
			// lookup and the lock. Start over with a fresh queue.
			q.mu.Unlock()
			continue
		}
		q.msgs = append(q.msgs, &m)
		if over := len(q.msgs) - b.cfg.Cap; over > 0 {
			q.msgs = append([]*Message(nil), q.msgs[over:]...)
			slog.Warn("bus: queue over capacity, dropped oldest",
				"entity", entityID, "dropped", over, "cap", b.cfg.Cap)
		}
		q.mu.Unlock()
		return
	}
}

// ReadOptions filters a Read call.
type ReadOptions struct {
	// ChannelID restricts the read to one channel when non-empty.
	ChannelID string
	// Limit bounds the result. Zero or negative means the queue cap.
	Limit int
	// Key decrypts encrypted content when present.
	Key []byte
	// TriggeredOnly keeps only trigger-matched messages.
	TriggeredOnly bool
}

// Read returns up to opts.Limit live messages in arrival order, newest tail.
// Filtering applies TTL, then channel, then trigger, then keeps the
// tail-most Limit entries. Encrypted content is decrypted with opts.Key when
// possible; otherwise a sentinel replaces it. Reading never removes
// messages; only the TTL sweep does.
func (b *Bus) Read(entityID string, opts ReadOptions) []Message {
	limit := opts.Limit
	if limit <= 0 {
		limit = b.cfg.Cap
	}

	b.mu.RLock()
	q, ok := b.queues[entityID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	now := time.Now()
	q.mu.Lock()
	selected := make([]*Message, 0, len(q.msgs))
	for _, m := range q.msgs {
		if now.After(m.ExpiresAt) {
			continue
		}
		if opts.ChannelID != "" && m.ChannelID != opts.ChannelID {
			continue
		}
		if opts.TriggeredOnly && !m.Triggered {
			continue
		}
		selected = append(selected, m)
	}
	if len(selected) > limit {
		selected = selected[len(selected)-limit:]
	}
	// Copy out under the lock; decryption happens on the copies.
	out := make([]Message, len(selected))
	for i, m := range selected {
		out[i] = *m
	}
	q.mu.Unlock()

	for i := range out {
		if !out[i].Encrypted {
			continue
		}
		if opts.Key == nil {
			out[i].Content = SentinelEncrypted
			continue
		}
		plaintext, err := decryptContent(opts.Key, out[i].Content)
		if err != nil {
			slog.Warn("bus: decrypt failed, key mismatch",
				"entity", entityID, "message", out[i].ID)
			out[i].Content = SentinelKeyMismatch
			continue
		}
		out[i].Content = plaintext
		out[i].Encrypted = false
	}
	return out
}

// RetroEncrypt encrypts in place any plaintext entries in the Entity's
// queue. It runs when an API-key session appears after an OAuth-only phase
// left plaintext behind, and is idempotent: already-encrypted entries are
// untouched. Its security value is marginal (the plaintext already sat in
// memory); it exists so the at-rest guarantee holds from this point on.
func (b *Bus) RetroEncrypt(entityID string, key []byte) {
	b.mu.RLock()
	q, ok := b.queues[entityID]
	b.mu.RUnlock()
	if !ok || key == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.msgs {
		if m.Encrypted {
			continue
		}
		ciphertext, err := crypto.Encrypt(key, []byte(m.Content))
		if err != nil {
			slog.Warn("bus: retroactive encrypt failed", "entity", entityID, "err", err)
			continue
		}
		m.Content = base64.StdEncoding.EncodeToString(ciphertext)
		m.Encrypted = true
	}
}

// Drop removes the Entity's queue entirely (entity deletion).
func (b *Bus) Drop(entityID string) {
	b.mu.Lock()
	if q, ok := b.queues[entityID]; ok {
		q.mu.Lock()
		q.gone = true
		q.mu.Unlock()
		delete(b.queues, entityID)
	}
	b.mu.Unlock()
}

// Run sweeps expired messages on a single ticker until ctx is cancelled.
// The ticker period bounds worst-case memory overhang to one interval past
// the TTL.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Sweep drops expired messages from every queue and removes empty queues.
// Each queue's slice is replaced under a short critical section, so readers
// never observe a partially filtered queue.
func (b *Bus) Sweep() {
	now := time.Now()

	b.mu.RLock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.mu.RLock()
		q, ok := b.queues[id]
		b.mu.RUnlock()
		if !ok {
			continue
		}

		q.mu.Lock()
		live := q.msgs[:0:0]
		for _, m := range q.msgs {
			if !now.After(m.ExpiresAt) {
				live = append(live, m)
			}
		}
		q.msgs = live
		empty := len(live) == 0
		q.mu.Unlock()

		if empty {
			b.mu.Lock()
			// Re-check under the write lock; an enqueue may have raced.
			if q2, ok := b.queues[id]; ok && q2 == q {
				q.mu.Lock()
				if len(q.msgs) == 0 {
					q.gone = true
					delete(b.queues, id)
				}
				q.mu.Unlock()
			}
			b.mu.Unlock()
		}
	}
}

// QueueStat describes one Entity queue for the health endpoint.
type QueueStat struct {
	EntityID  string        `json:"entity_id"`
	Size      int           `json:"size"`
	OldestAge time.Duration `json:"oldest_age"`
}

// Stats returns the current size and oldest-message age of every queue.
func (b *Bus) Stats() []QueueStat {
	now := time.Now()

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]QueueStat, 0, len(b.queues))
	for id, q := range b.queues {
		q.mu.Lock()
		stat := QueueStat{EntityID: id, Size: len(q.msgs)}
		if len(q.msgs) > 0 {
			stat.OldestAge = now.Sub(q.msgs[0].ReceivedAt)
		}
		q.mu.Unlock()
		out = append(out, stat)
	}
	return out
}

func decryptContent(key []byte, content string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", err
	}
	plaintext, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
