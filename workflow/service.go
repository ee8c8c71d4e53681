// Package workflow drives a prospective member through the gates required
// by a list's subscription policy.
//
// The state machine itself is the pure Step function. Service is the
// driver: it executes the effects Step asks for, persists the state when a
// gate has to wait for someone, and restores it when that someone acts.
// Nothing is held in memory between a suspension and its resumption.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
	"github.com/migadu/roster/helpers"
	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/pkg/metrics"
	"github.com/migadu/roster/policy"
	"github.com/migadu/roster/token"
)

type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomePending   Outcome = "pending"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is what an entry point returns: a Member, a token to wait on, or
// a cancellation.
type Result struct {
	Outcome  Outcome
	Member   *db.Member
	Token    string
	Awaiting consts.Awaiting
}

// Subscriber is either a known user or a bare address.
type Subscriber struct {
	UserID string
	Email  string
}

func UserSubscriber(id string) Subscriber {
	return Subscriber{UserID: id}
}

func AddressSubscriber(email string) Subscriber {
	return Subscriber{Email: email}
}

func (s Subscriber) String() string {
	if s.UserID != "" {
		return "user:" + s.UserID
	}
	return s.Email
}

type StartRequest struct {
	List        string
	Subscriber  Subscriber
	Trust       policy.Trust
	Role        consts.Role
	DisplayName string
}

type Decision uint8

const (
	Approve Decision = iota + 1
	Reject
)

func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(s) {
	case "approve", "accept":
		return Approve, nil
	case "reject", "discard":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// Dependencies are the collaborators a Service is built from. Bans,
// Notifier, Now and Logger are optional.
type Dependencies struct {
	Lists     ListStore
	Identity  IdentityStore
	Pending   PendingStore
	Bans      BanChecker
	Committer Committer
	Notifier  Notifier
	Now       func() time.Time
	Logger    *slog.Logger

	// PublicURL, when set, is used to build confirm_url substitutions.
	PublicURL string
	// DefaultRole applies to requests that name no role. It defaults to
	// consts.DefaultRole.
	DefaultRole consts.Role
}

type Service struct {
	lists     ListStore
	identity  IdentityStore
	pending   PendingStore
	bans      BanChecker
	committer Committer
	notifier  Notifier
	now       func() time.Time
	log       *slog.Logger
	publicURL string
	role      consts.Role
}

func NewService(deps Dependencies) (*Service, error) {
	if deps.Lists == nil || deps.Identity == nil || deps.Pending == nil || deps.Committer == nil {
		return nil, errors.New("workflow: lists, identity, pending and committer are required")
	}
	s := &Service{
		lists:     deps.Lists,
		identity:  deps.Identity,
		pending:   deps.Pending,
		bans:      deps.Bans,
		committer: deps.Committer,
		notifier:  deps.Notifier,
		now:       deps.Now,
		log:       deps.Logger,
		publicURL: strings.TrimRight(deps.PublicURL, "/"),
		role:      deps.DefaultRole,
	}
	if s.role == "" {
		s.role = consts.DefaultRole
	}
	if s.bans == nil {
		s.bans = noBans{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logger.Component("workflow")
	}
	return s, nil
}

// Lifetime is how long a token stays redeemable.
func (s *Service) Lifetime() time.Duration {
	return s.pending.Lifetime()
}

// Start begins a subscription. Input problems are reported as
// consts.MissingUserError, consts.InvalidEmailAddressError or
// consts.MissingPreferredAddressError; a banned address as consts.ErrBanned;
// an already pending attempt as consts.ErrDuplicateRequest.
func (s *Service) Start(ctx context.Context, req StartRequest) (res *Result, err error) {
	defer s.observe("start", time.Now(), &err)

	list, err := s.lists.GetListByName(ctx, req.List)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = s.role
	}
	if _, err := consts.ParseRole(string(role)); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrPolicyViolation, err)
	}

	st := State{
		Step:        StepResolveIdentity,
		ListID:      list.ID,
		Gates:       policy.RequiredGates(list.Policy, req.Trust),
		Role:        role,
		DisplayName: req.DisplayName,
	}

	switch {
	case req.Subscriber.UserID != "":
		id, err := uuid.Parse(req.Subscriber.UserID)
		if err != nil {
			return nil, &consts.MissingUserError{UserID: req.Subscriber.UserID}
		}
		user, err := s.identity.GetUserByUUID(ctx, id)
		if errors.Is(err, consts.ErrUserNotFound) {
			return nil, &consts.MissingUserError{UserID: req.Subscriber.UserID}
		}
		if err != nil {
			return nil, err
		}
		st.SubscriberUser = user.UUID.String()
		st.UserID = user.ID
		if st.DisplayName == "" {
			st.DisplayName = user.DisplayName
		}
	default:
		email, err := helpers.NormalizeAddress(req.Subscriber.Email)
		if err != nil {
			return nil, &consts.InvalidEmailAddressError{Email: req.Subscriber.Email, Err: err}
		}
		st.Email = email
	}

	s.log.Debug("Starting subscription", "list", list.Name, "subscriber", req.Subscriber.String(), "gates", st.Gates.String())
	return s.run(ctx, list, st, EventNone)
}

// Resume continues a workflow waiting on its subscriber. A token waiting
// on a moderator is refused with consts.ErrPolicyViolation.
func (s *Service) Resume(ctx context.Context, tok string) (res *Result, err error) {
	defer s.observe("resume", time.Now(), &err)

	req, err := s.peek(ctx, tok)
	if err != nil {
		return nil, err
	}
	if req.Awaiting != consts.AwaitingSubscriber {
		return nil, fmt.Errorf("%w: token awaits a moderator decision", consts.ErrPolicyViolation)
	}
	return s.restore(ctx, tok, EventConfirmed, "")
}

// ModeratorDecide applies a moderator's decision. Approval is only
// accepted once the request is waiting on moderation, so it can never
// skip verification or confirmation. A rejection discards the request at
// any gate.
func (s *Service) ModeratorDecide(ctx context.Context, tok string, decision Decision, reason string) (res *Result, err error) {
	defer s.observe("decide", time.Now(), &err)

	req, err := s.peek(ctx, tok)
	if err != nil {
		return nil, err
	}

	var ev Event
	switch decision {
	case Approve:
		if req.Awaiting != consts.AwaitingModerator {
			return nil, fmt.Errorf("%w: request has not cleared its earlier gates", consts.ErrPolicyViolation)
		}
		ev = EventApproved
	case Reject:
		ev = EventRejected
	default:
		return nil, fmt.Errorf("%w: unknown decision", consts.ErrPolicyViolation)
	}
	return s.restore(ctx, tok, ev, reason)
}

// Request is one entry of a moderation listing.
type Request struct {
	Token     string
	Email     string
	Awaiting  consts.Awaiting
	Step      StepID
	CreatedAt time.Time
}

// Requests lists pending requests of one type on a list, oldest first.
// Ranging over the result again re-reads the store.
func (s *Service) Requests(ctx context.Context, listName string, requestType consts.RequestType) (iter.Seq2[Request, error], error) {
	list, err := s.lists.GetListByName(ctx, listName)
	if err != nil {
		return nil, err
	}
	return func(yield func(Request, error) bool) {
		for pr, err := range s.pending.OfType(ctx, requestType, list.ID) {
			if err != nil {
				yield(Request{}, err)
				return
			}
			entry := Request{
				Token:     pr.Token,
				Email:     pr.SubscriberKey,
				Awaiting:  pr.Awaiting,
				CreatedAt: pr.CreatedAt,
			}
			if st, err := DecodeState(pr.State); err == nil {
				entry.Step = st.Step
			}
			if !yield(entry, nil) {
				return
			}
		}
	}, nil
}

func (s *Service) peek(ctx context.Context, tok string) (*db.PendingRequest, error) {
	if err := token.Validate(tok); err != nil {
		return nil, consts.ErrTokenNotFound
	}
	return s.pending.Peek(ctx, tok)
}

// restore consumes tok and continues its workflow from the saved step. If
// the workflow fails before it ends or suspends again, the consumed request
// is put back so the same token can be redeemed once more.
func (s *Service) restore(ctx context.Context, tok string, ev Event, reason string) (*Result, error) {
	req, err := s.pending.GetAndDelete(ctx, tok)
	if err != nil {
		return nil, err
	}
	st, err := DecodeState(req.State)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		st.Reason = reason
	}
	list, err := s.lists.GetListByID(ctx, st.ListID)
	if err != nil {
		s.putBack(ctx, req, err)
		return nil, err
	}
	s.log.Debug("Restored workflow", "list", list.Name, "email", st.Email, "step", st.Step.String(), "event", ev.String())
	res, err := s.run(ctx, list, st, ev)
	if err != nil {
		s.putBack(ctx, req, err)
		return nil, err
	}
	return res, nil
}

const putBackTimeout = 10 * time.Second

// putBack returns a consumed request to the store after cause interrupted
// its workflow. It runs even when ctx is already done.
func (s *Service) putBack(ctx context.Context, req *db.PendingRequest, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), putBackTimeout)
	defer cancel()
	if err := s.pending.Restore(ctx, req); err != nil {
		s.log.Error("Failed to put back pending request", "email", req.SubscriberKey, "cause", cause, "error", err)
		return
	}
	s.log.Warn("Put back pending request after failure", "email", req.SubscriberKey, "error", cause)
}

// run steps st until it suspends or ends. ev is offered to the first step.
func (s *Service) run(ctx context.Context, list *db.MailingList, st State, ev Event) (*Result, error) {
	for {
		tr := Step(st, Inputs{Event: ev})
		ev = EventNone

		var member *db.Member
		switch tr.Effect {
		case EffectResolveIdentity:
			if err := s.resolveIdentity(ctx, list, &tr.Next); err != nil {
				return nil, err
			}
		case EffectSetVerified:
			if _, err := s.identity.SetVerified(ctx, tr.Next.AddressID, s.now().UTC()); err != nil {
				return nil, fmt.Errorf("failed to mark %s verified: %w", tr.Next.Email, err)
			}
		case EffectCommit:
			m, err := s.commit(ctx, list, &tr.Next)
			if err != nil {
				return nil, err
			}
			member = m
		case EffectCancel:
			s.cancel(ctx, list, tr.Next)
		}

		switch tr.Kind {
		case Advance:
			st = tr.Next
		case Suspend:
			return s.suspend(ctx, list, tr)
		case Done:
			if tr.Next.Step == StepCancelled {
				metrics.WorkflowsTotal.WithLabelValues(string(OutcomeCancelled)).Inc()
				return &Result{Outcome: OutcomeCancelled}, nil
			}
			metrics.WorkflowsTotal.WithLabelValues(string(OutcomeCommitted)).Inc()
			return &Result{Outcome: OutcomeCommitted, Member: member}, nil
		default:
			return nil, fmt.Errorf("workflow: invalid transition %d at %s", tr.Kind, st.Step)
		}
	}
}

// resolveIdentity settles the address the workflow is about. A user
// without a preferred address subscribes with the first verified one, which
// becomes preferred, else with the first one, which is only made preferred
// at COMMIT. A bare address stays unlinked until COMMIT.
func (s *Service) resolveIdentity(ctx context.Context, list *db.MailingList, st *State) error {
	var address *db.Address
	if st.SubscriberUser != "" {
		id, err := uuid.Parse(st.SubscriberUser)
		if err != nil {
			return &consts.MissingUserError{UserID: st.SubscriberUser}
		}
		user, err := s.identity.GetUserByUUID(ctx, id)
		if errors.Is(err, consts.ErrUserNotFound) {
			return &consts.MissingUserError{UserID: st.SubscriberUser}
		}
		if err != nil {
			return err
		}

		assign := false
		if user.PreferredAddressID != nil {
			address, err = s.identity.GetAddressByID(ctx, *user.PreferredAddressID)
			if err != nil {
				return err
			}
		} else {
			addresses, err := s.identity.ListUserAddresses(ctx, user.ID)
			if err != nil {
				return err
			}
			if len(addresses) == 0 {
				return &consts.MissingPreferredAddressError{UserID: st.SubscriberUser}
			}
			address = addresses[0]
			assign = address.Verified()
		}

		if err := s.checkBan(ctx, list, address.Email); err != nil {
			return err
		}
		if assign {
			if err := s.identity.SetPreferredAddress(ctx, user.ID, address.ID); err != nil {
				return fmt.Errorf("failed to assign preferred address: %w", err)
			}
			s.log.Info("Assigned preferred address", "user", st.SubscriberUser, "address", address.Email)
		}
		st.UserID = user.ID
	} else {
		if err := s.checkBan(ctx, list, st.Email); err != nil {
			return err
		}
		var err error
		address, err = s.identity.CreateAddress(ctx, st.Email, st.DisplayName)
		if err != nil {
			return fmt.Errorf("failed to create address %s: %w", st.Email, err)
		}
		if address.UserID != nil {
			st.UserID = *address.UserID
		}
	}

	st.AddressID = address.ID
	st.Email = address.Email
	st.Verified = address.Verified()
	st.Resolved = true
	return nil
}

func (s *Service) checkBan(ctx context.Context, list *db.MailingList, email string) error {
	banned, err := s.bans.IsBanned(ctx, list.ID, email)
	if err != nil {
		return fmt.Errorf("failed to check bans: %w", err)
	}
	if banned {
		return fmt.Errorf("%w: %s on %s", consts.ErrBanned, email, list.Name)
	}
	return nil
}

// commit links a bare address to a new user and creates the membership.
func (s *Service) commit(ctx context.Context, list *db.MailingList, st *State) (*db.Member, error) {
	address, err := s.identity.GetAddressByID(ctx, st.AddressID)
	if err != nil {
		return nil, err
	}
	if address.UserID == nil {
		user, err := s.identity.LinkUserToAddress(ctx, address.ID, st.DisplayName)
		if err != nil {
			return nil, fmt.Errorf("failed to link %s to a user: %w", address.Email, err)
		}
		st.UserID = user.ID
	} else {
		st.UserID = *address.UserID
	}

	member, err := s.committer.Ensure(ctx, list, address, st.Role, db.DeliveryPreferences{})
	if err != nil {
		return nil, err
	}
	if err := s.ensurePreferred(ctx, st, address); err != nil {
		return nil, err
	}

	s.log.Info("Subscription committed", "list", list.Name, "email", address.Email, "role", member.Role)
	s.notify(ctx, TemplateWelcome, address.Email, s.substitutions(list, *st, ""))
	return member, nil
}

// ensurePreferred makes address the preferred one of a user subscriber who
// still has none.
func (s *Service) ensurePreferred(ctx context.Context, st *State, address *db.Address) error {
	if st.SubscriberUser == "" {
		return nil
	}
	id, err := uuid.Parse(st.SubscriberUser)
	if err != nil {
		return &consts.MissingUserError{UserID: st.SubscriberUser}
	}
	user, err := s.identity.GetUserByUUID(ctx, id)
	if err != nil {
		return err
	}
	if user.PreferredAddressID != nil {
		return nil
	}
	if err := s.identity.SetPreferredAddress(ctx, user.ID, address.ID); err != nil {
		return fmt.Errorf("failed to assign preferred address: %w", err)
	}
	s.log.Info("Assigned preferred address", "user", st.SubscriberUser, "address", address.Email)
	return nil
}

func (s *Service) cancel(ctx context.Context, list *db.MailingList, st State) {
	s.log.Info("Subscription rejected", "list", list.Name, "email", st.Email, "reason", st.Reason)
	if st.Email == "" {
		return
	}
	subs := s.substitutions(list, st, "")
	subs["reason"] = st.Reason
	s.notify(ctx, TemplateRejected, st.Email, subs)
}

// suspend persists the state and only then sends the notices for the gate.
func (s *Service) suspend(ctx context.Context, list *db.MailingList, tr Transition) (*Result, error) {
	st := tr.Next
	data, err := st.Encode()
	if err != nil {
		return nil, err
	}
	tok, err := s.pending.Put(ctx, &db.PendingRequest{
		RequestType:   consts.RequestSubscription,
		ListID:        list.ID,
		SubscriberKey: st.Email,
		Awaiting:      tr.Awaiting,
		State:         data,
	})
	if err != nil {
		return nil, err
	}

	metrics.WorkflowSuspensions.WithLabelValues(tr.Gate.String()).Inc()
	metrics.WorkflowsTotal.WithLabelValues(string(OutcomePending)).Inc()
	s.log.Info("Subscription pending", "list", list.Name, "email", st.Email, "gate", tr.Gate.String(), "awaiting", tr.Awaiting)

	subs := s.substitutions(list, st, tok)
	switch {
	case tr.Gate == policy.GateModerate:
		s.notify(ctx, TemplateHeld, st.Email, subs)
		if list.OwnerAddress != "" {
			s.notify(ctx, TemplateModerationRequest, list.OwnerAddress, subs)
		}
	case tr.Gate == policy.GateConfirm || st.Combined:
		s.notify(ctx, TemplateConfirm, st.Email, subs)
	default:
		s.notify(ctx, TemplateVerify, st.Email, subs)
	}

	return &Result{Outcome: OutcomePending, Token: tok, Awaiting: tr.Awaiting}, nil
}

func (s *Service) substitutions(list *db.MailingList, st State, tok string) map[string]string {
	subs := map[string]string{
		"list_name":         list.Name,
		"list_display_name": list.DisplayName,
		"owner_address":     list.OwnerAddress,
		"email":             st.Email,
		"display_name":      st.DisplayName,
		"role":              string(st.Role),
	}
	if tok != "" {
		subs["token"] = tok
		subs["lifetime"] = helpers.FormatDays(s.pending.Lifetime())
		if s.publicURL != "" {
			subs["confirm_url"] = s.publicURL + "/api/v1/confirm/" + tok
		}
	}
	return subs
}

func (s *Service) notify(ctx context.Context, template, recipient string, subs map[string]string) {
	if err := s.notifier.Send(ctx, template, recipient, subs); err != nil {
		s.log.Warn("Failed to send notice", "template", template, "recipient", recipient, "error", err)
	}
}

func (s *Service) observe(operation string, started time.Time, errp *error) {
	metrics.WorkflowStepDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if *errp != nil {
		metrics.WorkflowErrors.WithLabelValues(operation, ErrorKind(*errp)).Inc()
	}
}

// ErrorKind classifies an entry point error for metrics and HTTP status.
func ErrorKind(err error) string {
	var missingUser *consts.MissingUserError
	var invalidEmail *consts.InvalidEmailAddressError
	var missingPreferred *consts.MissingPreferredAddressError
	switch {
	case errors.As(err, &missingUser), errors.As(err, &invalidEmail), errors.As(err, &missingPreferred):
		return "validation"
	case errors.Is(err, consts.ErrListNotFound):
		return "list_not_found"
	case errors.Is(err, consts.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, consts.ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, consts.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, consts.ErrBanned):
		return "banned"
	case errors.Is(err, consts.ErrPolicyViolation):
		return "policy"
	default:
		return "internal"
	}
}
