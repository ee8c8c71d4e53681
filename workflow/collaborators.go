package workflow

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
)

type ListStore interface {
	GetListByName(ctx context.Context, name string) (*db.MailingList, error)
	GetListByID(ctx context.Context, id int64) (*db.MailingList, error)
}

// IdentityStore resolves subscribers to users and addresses.
type IdentityStore interface {
	GetUserByUUID(ctx context.Context, id uuid.UUID) (*db.User, error)
	ListUserAddresses(ctx context.Context, userID int64) ([]*db.Address, error)
	SetPreferredAddress(ctx context.Context, userID, addressID int64) error
	// CreateAddress returns the existing address when email is known.
	CreateAddress(ctx context.Context, email, displayName string) (*db.Address, error)
	GetAddressByID(ctx context.Context, id int64) (*db.Address, error)
	// SetVerified stamps verified_on unless it is already set.
	SetVerified(ctx context.Context, addressID int64, when time.Time) (*db.Address, error)
	// LinkUserToAddress returns the owner of the address, creating one if
	// the address is not linked yet.
	LinkUserToAddress(ctx context.Context, addressID int64, displayName string) (*db.User, error)
}

// PendingStore is the registry of suspended workflows.
type PendingStore interface {
	Put(ctx context.Context, req *db.PendingRequest) (string, error)
	GetAndDelete(ctx context.Context, token string) (*db.PendingRequest, error)
	// Restore puts back a request returned by GetAndDelete under its
	// original token and creation time.
	Restore(ctx context.Context, req *db.PendingRequest) error
	Peek(ctx context.Context, token string) (*db.PendingRequest, error)
	Delete(ctx context.Context, token string) error
	Sweep(ctx context.Context, now time.Time) (int64, error)
	OfType(ctx context.Context, requestType consts.RequestType, listID int64) iter.Seq2[*db.PendingRequest, error]
	Lifetime() time.Duration
}

type BanChecker interface {
	IsBanned(ctx context.Context, listID int64, email string) (bool, error)
}

type Committer interface {
	Ensure(ctx context.Context, list *db.MailingList, address *db.Address, role consts.Role, prefs db.DeliveryPreferences) (*db.Member, error)
}

// Notifier delivers a templated notice. Failures are the notifier's to
// retry; the workflow only logs them.
type Notifier interface {
	Send(ctx context.Context, template, recipient string, substitutions map[string]string) error
}

// Notice template names.
const (
	TemplateVerify            = "subscription.verify"
	TemplateConfirm           = "subscription.confirm"
	TemplateHeld              = "subscription.held"
	TemplateModerationRequest = "moderation.request"
	TemplateRejected          = "subscription.rejected"
	TemplateWelcome           = "subscription.welcome"
)

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, string, string, map[string]string) error { return nil }

type noBans struct{}

func (noBans) IsBanned(context.Context, int64, string) (bool, error) { return false, nil }
