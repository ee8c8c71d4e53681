package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/policy"
)

// User is a person known to the system. Addresses link to at most one user.
type User struct {
	ID                 int64
	UUID               uuid.UUID
	DisplayName        string
	PreferredAddressID *int64
	CreatedAt          time.Time
}

// Address is an email address, verified or not, optionally linked to a user.
type Address struct {
	ID          int64
	Email       string
	DisplayName string
	VerifiedOn  *time.Time
	UserID      *int64
	CreatedAt   time.Time
}

func (a *Address) Verified() bool {
	return a.VerifiedOn != nil
}

type MailingList struct {
	ID           int64
	Name         string // fully qualified list name, e.g. test@example.com
	DisplayName  string
	OwnerAddress string
	Policy       policy.Policy
	CreatedAt    time.Time
}

// DeliveryPreferences are the per-membership delivery settings.
type DeliveryPreferences struct {
	Mode   consts.DeliveryMode
	Status consts.DeliveryStatus
}

// Member is an address subscribed to a list in one role.
type Member struct {
	ID        int64
	UUID      uuid.UUID
	ListID    int64
	AddressID int64
	Email     string
	Role      consts.Role
	Delivery  DeliveryPreferences
	CreatedAt time.Time
}

// PendingRequest is the stored form of a suspended workflow. State is the
// serialized workflow state and is opaque to this package.
type PendingRequest struct {
	Token         string
	RequestType   consts.RequestType
	ListID        int64
	SubscriberKey string
	Awaiting      consts.Awaiting
	State         []byte
	CreatedAt     time.Time
}

// Ban blocks matching addresses from subscribing. A nil ListID is global.
type Ban struct {
	ID        int64
	ListID    *int64
	Pattern   string
	CreatedAt time.Time
}
