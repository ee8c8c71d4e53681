// Package membership turns a cleared subscription workflow into a Member row.
package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/pkg/metrics"
)

// MemberStore persists memberships. InsertMember must fail with
// consts.ErrDBUniqueViolation, writing nothing, when the (list, address,
// role) membership already exists.
type MemberStore interface {
	InsertMember(ctx context.Context, listID, addressID int64, role consts.Role, prefs db.DeliveryPreferences) (*db.Member, error)
	GetMember(ctx context.Context, listID, addressID int64, role consts.Role) (*db.Member, error)
}

type Committer struct {
	store    MemberStore
	defaults db.DeliveryPreferences
}

func NewCommitter(store MemberStore, defaultMode consts.DeliveryMode) *Committer {
	if defaultMode == "" {
		defaultMode = consts.DefaultDeliveryMode
	}
	return &Committer{
		store: store,
		defaults: db.DeliveryPreferences{
			Mode:   defaultMode,
			Status: consts.DefaultDeliveryStatus,
		},
	}
}

// Commit inserts the membership. When it already exists the existing
// Member is returned together with an error matching consts.ErrAlreadyMember.
func (c *Committer) Commit(ctx context.Context, list *db.MailingList, address *db.Address, role consts.Role, prefs db.DeliveryPreferences) (*db.Member, error) {
	if role == "" {
		role = consts.DefaultRole
	}
	if prefs.Mode == "" {
		prefs.Mode = c.defaults.Mode
	}
	if prefs.Status == "" {
		prefs.Status = c.defaults.Status
	}

	member, err := c.store.InsertMember(ctx, list.ID, address.ID, role, prefs)
	if err == nil {
		metrics.MembersCommitted.WithLabelValues("created").Inc()
		logger.Info("Member created", "component", "membership", "list", list.Name, "address", address.Email, "role", role)
		return member, nil
	}
	if !errors.Is(err, consts.ErrDBUniqueViolation) {
		metrics.MembersCommitted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to commit member %s to %s: %w", address.Email, list.Name, err)
	}

	existing, getErr := c.store.GetMember(ctx, list.ID, address.ID, role)
	if getErr != nil {
		metrics.MembersCommitted.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to load existing member %s of %s: %w", address.Email, list.Name, getErr)
	}
	metrics.MembersCommitted.WithLabelValues("existing").Inc()
	return existing, fmt.Errorf("%w: %s is already a %s of %s", consts.ErrAlreadyMember, address.Email, role, list.Name)
}

// Ensure is Commit with an existing membership treated as success.
func (c *Committer) Ensure(ctx context.Context, list *db.MailingList, address *db.Address, role consts.Role, prefs db.DeliveryPreferences) (*db.Member, error) {
	member, err := c.Commit(ctx, list, address, role, prefs)
	if errors.Is(err, consts.ErrAlreadyMember) {
		return member, nil
	}
	return member, err
}
