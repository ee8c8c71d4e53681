package consts

import (
	"fmt"
	"time"
)

// RequestType classifies a pending request.
type RequestType string

const (
	RequestSubscription   RequestType = "subscription"
	RequestUnsubscription RequestType = "unsubscription"
)

func ParseRequestType(s string) (RequestType, error) {
	switch RequestType(s) {
	case RequestSubscription, RequestUnsubscription:
		return RequestType(s), nil
	}
	return "", fmt.Errorf("unknown request type %q", s)
}

// Role is the capacity in which an address belongs to a list.
type Role string

const (
	RoleMember    Role = "member"
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleNonMember Role = "nonmember"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleMember, RoleOwner, RoleModerator, RoleNonMember:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Awaiting names the party a suspended workflow is waiting on.
type Awaiting string

const (
	AwaitingSubscriber Awaiting = "subscriber"
	AwaitingModerator  Awaiting = "moderator"
)

type DeliveryMode string

const (
	DeliveryRegular     DeliveryMode = "regular"
	DeliveryPlainDigest DeliveryMode = "plaintext_digests"
	DeliveryMIMEDigest  DeliveryMode = "mime_digests"
	DeliverySummary     DeliveryMode = "summary_digests"
)

func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch DeliveryMode(s) {
	case DeliveryRegular, DeliveryPlainDigest, DeliveryMIMEDigest, DeliverySummary:
		return DeliveryMode(s), nil
	}
	return "", fmt.Errorf("unknown delivery mode %q", s)
}

type DeliveryStatus string

const (
	DeliveryEnabled         DeliveryStatus = "enabled"
	DeliveryDisabledByUser  DeliveryStatus = "by_user"
	DeliveryDisabledByAdmin DeliveryStatus = "by_moderator"
	DeliveryDisabledBounces DeliveryStatus = "by_bounces"
)

const (
	// DefaultPendingRequestLifetime is how long a suspended workflow waits
	// for its confirmation or decision before the sweeper cancels it.
	DefaultPendingRequestLifetime = 3 * 24 * time.Hour

	DefaultRole           = RoleMember
	DefaultDeliveryMode   = DeliveryRegular
	DefaultDeliveryStatus = DeliveryEnabled
)
