package resilient

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
	"github.com/migadu/roster/pkg/metrics"
	"github.com/migadu/roster/token"
)

// Stores exposes the resilient operations under the collaborator method
// names used by the workflow and membership packages.
type Stores struct {
	rd *ResilientDatabase
}

func (rd *ResilientDatabase) Stores() *Stores {
	return &Stores{rd: rd}
}

func (s *Stores) GetListByName(ctx context.Context, name string) (*db.MailingList, error) {
	return s.rd.GetListByNameWithRetry(ctx, name)
}

func (s *Stores) GetListByID(ctx context.Context, id int64) (*db.MailingList, error) {
	return s.rd.GetListByIDWithRetry(ctx, id)
}

func (s *Stores) GetUserByUUID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	return s.rd.GetUserByUUIDWithRetry(ctx, id)
}

func (s *Stores) ListUserAddresses(ctx context.Context, userID int64) ([]*db.Address, error) {
	return s.rd.ListUserAddressesWithRetry(ctx, userID)
}

func (s *Stores) SetPreferredAddress(ctx context.Context, userID, addressID int64) error {
	return s.rd.SetPreferredAddressWithRetry(ctx, userID, addressID)
}

func (s *Stores) CreateAddress(ctx context.Context, email, displayName string) (*db.Address, error) {
	return s.rd.CreateAddressWithRetry(ctx, email, displayName)
}

func (s *Stores) GetAddressByID(ctx context.Context, id int64) (*db.Address, error) {
	return s.rd.GetAddressByIDWithRetry(context.WithValue(ctx, consts.UseMasterDBKey, true), id)
}

func (s *Stores) SetVerified(ctx context.Context, addressID int64, when time.Time) (*db.Address, error) {
	return s.rd.SetAddressVerifiedWithRetry(ctx, addressID, when)
}

func (s *Stores) LinkUserToAddress(ctx context.Context, addressID int64, displayName string) (*db.User, error) {
	return s.rd.PromoteAddressWithRetry(ctx, addressID, displayName)
}

func (s *Stores) IsBanned(ctx context.Context, listID int64, email string) (bool, error) {
	return s.rd.IsBannedWithRetry(ctx, listID, email)
}

func (s *Stores) InsertMember(ctx context.Context, listID, addressID int64, role consts.Role, prefs db.DeliveryPreferences) (*db.Member, error) {
	return s.rd.InsertMemberWithRetry(ctx, listID, addressID, role, prefs)
}

func (s *Stores) GetMember(ctx context.Context, listID, addressID int64, role consts.Role) (*db.Member, error) {
	return s.rd.GetMemberWithRetry(ctx, listID, addressID, role)
}

// maxMintAttempts bounds re-minting after a token primary key collision.
const maxMintAttempts = 3

// PendingStore is the Postgres-backed registry of suspended workflows.
type PendingStore struct {
	rd       *ResilientDatabase
	codec    *token.Codec
	lifetime time.Duration
	now      func() time.Time
}

func NewPendingStore(rd *ResilientDatabase, codec *token.Codec, lifetime time.Duration) *PendingStore {
	if lifetime <= 0 {
		lifetime = consts.DefaultPendingRequestLifetime
	}
	return &PendingStore{rd: rd, codec: codec, lifetime: lifetime, now: time.Now}
}

func (p *PendingStore) Lifetime() time.Duration {
	return p.lifetime
}

func (p *PendingStore) staleBefore(now time.Time) time.Time {
	return now.Add(-p.lifetime)
}

// Put mints a token for req and stores it.
func (p *PendingStore) Put(ctx context.Context, req *db.PendingRequest) (string, error) {
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		tok, err := p.codec.Mint()
		if err != nil {
			return "", fmt.Errorf("failed to mint token: %w", err)
		}
		now := p.now().UTC()
		req.Token = tok
		req.CreatedAt = now

		err = p.rd.InsertPendingRequestWithRetry(ctx, req, p.staleBefore(now))
		if err == nil {
			metrics.PendingRequestOperations.WithLabelValues("put", "success").Inc()
			return tok, nil
		}
		if !errors.Is(err, consts.ErrDBUniqueViolation) {
			metrics.PendingRequestOperations.WithLabelValues("put", statusOf(err)).Inc()
			return "", err
		}
	}
	metrics.PendingRequestOperations.WithLabelValues("put", "failure").Inc()
	return "", fmt.Errorf("failed to store pending request: token collided %d times", maxMintAttempts)
}

func (p *PendingStore) GetAndDelete(ctx context.Context, tok string) (*db.PendingRequest, error) {
	now := p.now().UTC()
	req, err := p.rd.ConsumePendingRequestWithRetry(ctx, tok, p.staleBefore(now), now)
	metrics.PendingRequestOperations.WithLabelValues("consume", statusOf(err)).Inc()
	return req, err
}

// Restore reinserts a consumed request unchanged, so its token stays
// redeemable for the rest of its lifetime.
func (p *PendingStore) Restore(ctx context.Context, req *db.PendingRequest) error {
	err := p.rd.InsertPendingRequestWithRetry(ctx, req, p.staleBefore(p.now().UTC()))
	metrics.PendingRequestOperations.WithLabelValues("restore", statusOf(err)).Inc()
	return err
}

// Peek reports the row for tok without consuming it. A row past its
// lifetime that has not been swept yet reads as expired.
func (p *PendingStore) Peek(ctx context.Context, tok string) (*db.PendingRequest, error) {
	req, err := p.rd.GetPendingRequestWithRetry(ctx, tok)
	if err != nil {
		return nil, err
	}
	if req.CreatedAt.Before(p.staleBefore(p.now())) {
		return nil, consts.ErrTokenExpired
	}
	return req, nil
}

// Delete discards tok. An absent token is not an error.
func (p *PendingStore) Delete(ctx context.Context, tok string) error {
	err := p.rd.DeletePendingRequestWithRetry(ctx, tok)
	if errors.Is(err, consts.ErrTokenNotFound) {
		err = nil
	}
	metrics.PendingRequestOperations.WithLabelValues("delete", statusOf(err)).Inc()
	return err
}

func (p *PendingStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := p.rd.SweepPendingRequestsWithRetry(ctx, p.staleBefore(now), now)
	metrics.PendingRequestOperations.WithLabelValues("sweep", statusOf(err)).Inc()
	if err == nil {
		metrics.PendingRequestsSwept.Add(float64(n))
	}
	return n, err
}

// OfType lists live requests, oldest first. listID 0 covers every list.
func (p *PendingStore) OfType(ctx context.Context, requestType consts.RequestType, listID int64) iter.Seq2[*db.PendingRequest, error] {
	return func(yield func(*db.PendingRequest, error) bool) {
		for req, err := range p.rd.PendingRequestsOfType(ctx, requestType, listID, p.staleBefore(p.now())) {
			if !yield(req, err) {
				return
			}
		}
	}
}

// PurgeTombstones forgets expired tokens recorded before olderThan.
func (p *PendingStore) PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error) {
	return p.rd.PurgeExpiredTokensWithRetry(ctx, olderThan)
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, consts.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, consts.ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, consts.ErrTokenExpired):
		return "expired"
	default:
		return "failure"
	}
}
