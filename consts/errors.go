package consts

import (
	"errors"
	"fmt"
)

var (
	ErrInternalError = errors.New("internal error")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")

	ErrSerializationFailed = errors.New("serialization failed")
)

// Subscription workflow errors.
var (
	ErrMissingUser             = errors.New("no such user")
	ErrInvalidEmailAddress     = errors.New("invalid email address")
	ErrMissingPreferredAddress = errors.New("user has no preferred address")
	ErrDuplicateRequest        = errors.New("a request for this subscriber is already pending")
	ErrTokenNotFound           = errors.New("token not found")
	ErrTokenExpired            = errors.New("token expired")
	ErrAlreadyMember           = errors.New("already a member")
	ErrPolicyViolation         = errors.New("policy violation")

	// ErrBanned is a PolicyViolation: the address is banned from the list.
	ErrBanned = fmt.Errorf("%w: address is banned", ErrPolicyViolation)

	ErrListNotFound    = errors.New("mailing list not found")
	ErrAddressNotFound = errors.New("address not found")
	ErrMemberNotFound  = errors.New("member not found")
	ErrUserNotFound    = errors.New("user not found")

	ErrAddressAlreadyLinked = errors.New("address is linked to another user")
)

// MissingUserError reports a subscriber user id that does not exist.
type MissingUserError struct {
	UserID string
}

func (e *MissingUserError) Error() string {
	return fmt.Sprintf("no such user: %s", e.UserID)
}

func (e *MissingUserError) Unwrap() error { return ErrMissingUser }

// InvalidEmailAddressError reports a malformed candidate address.
type InvalidEmailAddressError struct {
	Email string
	Err   error
}

func (e *InvalidEmailAddressError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid email address %q: %v", e.Email, e.Err)
	}
	return fmt.Sprintf("invalid email address %q", e.Email)
}

func (e *InvalidEmailAddressError) Unwrap() error { return ErrInvalidEmailAddress }

// MissingPreferredAddressError reports a user with no address that could
// serve as their preferred address.
type MissingPreferredAddressError struct {
	UserID string
}

func (e *MissingPreferredAddressError) Error() string {
	return fmt.Sprintf("user %s has no preferred address", e.UserID)
}

func (e *MissingPreferredAddressError) Unwrap() error { return ErrMissingPreferredAddress }
