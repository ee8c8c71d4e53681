package testutils

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
	"github.com/migadu/roster/token"
)

type subscriberKey struct {
	listID      int64
	key         string
	requestType consts.RequestType
}

// MemPendingStore keeps pending requests in memory with the semantics of the
// Postgres registry: one live request per (list, subscriber, type), atomic
// consumption, and tombstones for expired tokens.
type MemPendingStore struct {
	mu         sync.Mutex
	codec      *token.Codec
	lifetime   time.Duration
	now        func() time.Time
	rows       map[string]*db.PendingRequest
	bySub      map[subscriberKey]string
	tombstones map[string]time.Time
}

func NewMemPendingStore(codec *token.Codec, lifetime time.Duration, now func() time.Time) *MemPendingStore {
	if codec == nil {
		codec = token.NewCodec()
	}
	if lifetime <= 0 {
		lifetime = consts.DefaultPendingRequestLifetime
	}
	if now == nil {
		now = time.Now
	}
	return &MemPendingStore{
		codec:      codec,
		lifetime:   lifetime,
		now:        now,
		rows:       make(map[string]*db.PendingRequest),
		bySub:      make(map[subscriberKey]string),
		tombstones: make(map[string]time.Time),
	}
}

func (p *MemPendingStore) Lifetime() time.Duration {
	return p.lifetime
}

func (p *MemPendingStore) stale(req *db.PendingRequest, now time.Time) bool {
	return req.CreatedAt.Before(now.Add(-p.lifetime))
}

func keyOf(req *db.PendingRequest) subscriberKey {
	return subscriberKey{listID: req.ListID, key: req.SubscriberKey, requestType: req.RequestType}
}

func copyPending(req *db.PendingRequest) *db.PendingRequest {
	c := *req
	c.State = append([]byte(nil), req.State...)
	return &c
}

// removeLocked drops a row and, with tombstone set, remembers its token.
func (p *MemPendingStore) removeLocked(tok string, tombstone bool, now time.Time) {
	req, ok := p.rows[tok]
	if !ok {
		return
	}
	delete(p.rows, tok)
	if p.bySub[keyOf(req)] == tok {
		delete(p.bySub, keyOf(req))
	}
	if tombstone {
		p.tombstones[tok] = now
	}
}

func (p *MemPendingStore) Put(ctx context.Context, req *db.PendingRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	if existing, ok := p.bySub[keyOf(req)]; ok {
		if !p.stale(p.rows[existing], now) {
			return "", consts.ErrDuplicateRequest
		}
		p.removeLocked(existing, true, now)
	}

	tok, err := p.codec.Mint()
	if err != nil {
		return "", err
	}
	if _, taken := p.rows[tok]; taken {
		return "", consts.ErrDBUniqueViolation
	}
	req.Token = tok
	req.CreatedAt = now
	p.rows[tok] = copyPending(req)
	p.bySub[keyOf(req)] = tok
	return tok, nil
}

func (p *MemPendingStore) missingLocked(tok string) error {
	if _, ok := p.tombstones[tok]; ok {
		return consts.ErrTokenExpired
	}
	return consts.ErrTokenNotFound
}

func (p *MemPendingStore) GetAndDelete(ctx context.Context, tok string) (*db.PendingRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, ok := p.rows[tok]
	if !ok {
		return nil, p.missingLocked(tok)
	}
	now := p.now().UTC()
	if p.stale(req, now) {
		p.removeLocked(tok, true, now)
		return nil, consts.ErrTokenExpired
	}
	p.removeLocked(tok, false, now)
	return req, nil
}

func (p *MemPendingStore) Restore(ctx context.Context, req *db.PendingRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	if existing, ok := p.bySub[keyOf(req)]; ok {
		if !p.stale(p.rows[existing], now) {
			return consts.ErrDuplicateRequest
		}
		p.removeLocked(existing, true, now)
	}
	if _, taken := p.rows[req.Token]; taken {
		return consts.ErrDBUniqueViolation
	}
	p.rows[req.Token] = copyPending(req)
	p.bySub[keyOf(req)] = req.Token
	return nil
}

func (p *MemPendingStore) Peek(ctx context.Context, tok string) (*db.PendingRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, ok := p.rows[tok]
	if !ok {
		return nil, p.missingLocked(tok)
	}
	if p.stale(req, p.now()) {
		return nil, consts.ErrTokenExpired
	}
	return copyPending(req), nil
}

func (p *MemPendingStore) Delete(ctx context.Context, tok string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(tok, false, p.now())
	return nil
}

func (p *MemPendingStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int64
	for tok, req := range p.rows {
		if p.stale(req, now) {
			p.removeLocked(tok, true, now)
			n++
		}
	}
	return n, nil
}

func (p *MemPendingStore) PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int64
	for tok, at := range p.tombstones {
		if at.Before(olderThan) {
			delete(p.tombstones, tok)
			n++
		}
	}
	return n, nil
}

// OfType snapshots live requests at the start of each range.
func (p *MemPendingStore) OfType(ctx context.Context, requestType consts.RequestType, listID int64) iter.Seq2[*db.PendingRequest, error] {
	return func(yield func(*db.PendingRequest, error) bool) {
		p.mu.Lock()
		now := p.now()
		var snapshot []*db.PendingRequest
		for _, req := range p.rows {
			if req.RequestType != requestType || (listID != 0 && req.ListID != listID) || p.stale(req, now) {
				continue
			}
			snapshot = append(snapshot, copyPending(req))
		}
		p.mu.Unlock()

		sort.Slice(snapshot, func(i, j int) bool {
			if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
				return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
			}
			return snapshot[i].Token < snapshot[j].Token
		})
		for _, req := range snapshot {
			if !yield(req, nil) {
				return
			}
		}
	}
}

// Len reports how many rows are stored, stale ones included.
func (p *MemPendingStore) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}

// Tombstoned reports whether tok has been recorded as expired.
func (p *MemPendingStore) Tombstoned(tok string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tombstones[tok]
	return ok
}
