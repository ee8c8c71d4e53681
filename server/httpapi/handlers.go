package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
	"github.com/migadu/roster/helpers"
	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/pkg/health"
	"github.com/migadu/roster/policy"
	"github.com/migadu/roster/workflow"
)

// Request/Response types

type SubscribeRequest struct {
	Email        string `json:"email,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Role         string `json:"role,omitempty"`
	PreVerified  bool   `json:"pre_verified"`
	PreConfirmed bool   `json:"pre_confirmed"`
	PreApproved  bool   `json:"pre_approved"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type MemberResponse struct {
	ID        uuid.UUID `json:"id"`
	List      string    `json:"list,omitempty"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Delivery  string    `json:"delivery_mode"`
	Status    string    `json:"delivery_status"`
	CreatedAt time.Time `json:"created_at"`
}

type ResultResponse struct {
	Outcome  string          `json:"outcome"`
	Token    string          `json:"token,omitempty"`
	Awaiting string          `json:"awaiting,omitempty"`
	Member   *MemberResponse `json:"member,omitempty"`
}

type PendingRequestResponse struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	Awaiting  string    `json:"awaiting"`
	Step      string    `json:"step"`
	CreatedAt time.Time `json:"created_at"`
}

const maxBodyBytes = 64 << 10

func decodeBody(r *http.Request, dst any, optional bool) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func toResponse(listName string, res *workflow.Result) ResultResponse {
	out := ResultResponse{
		Outcome:  string(res.Outcome),
		Token:    res.Token,
		Awaiting: string(res.Awaiting),
	}
	if m := res.Member; m != nil {
		out.Member = memberResponse(listName, m)
	}
	return out
}

func memberResponse(listName string, m *db.Member) *MemberResponse {
	return &MemberResponse{
		ID:        m.UUID,
		List:      listName,
		Email:     m.Email,
		Role:      string(m.Role),
		Delivery:  string(m.Delivery.Mode),
		Status:    string(m.Delivery.Status),
		CreatedAt: m.CreatedAt,
	}
}

func statusFor(res *workflow.Result) int {
	switch res.Outcome {
	case workflow.OutcomeCommitted:
		return http.StatusCreated
	case workflow.OutcomePending:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

// writeWorkflowError maps workflow errors to HTTP statuses. Token errors
// state how long requests stay redeemable.
func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	lifetime := helpers.FormatDays(s.subs.Lifetime())
	switch workflow.ErrorKind(err) {
	case "validation":
		s.writeError(w, http.StatusBadRequest, err.Error())
	case "list_not_found":
		s.writeError(w, http.StatusNotFound, "Mailing list not found")
	case "token_not_found":
		s.writeError(w, http.StatusNotFound,
			fmt.Sprintf("Unknown token. Requests that are not confirmed within %s are discarded.", lifetime))
	case "token_expired":
		s.writeError(w, http.StatusGone,
			fmt.Sprintf("This request has expired. Requests must be confirmed within %s.", lifetime))
	case "duplicate":
		s.writeError(w, http.StatusConflict, err.Error())
	case "banned", "policy":
		s.writeError(w, http.StatusForbidden, err.Error())
	default:
		logger.Error("HTTP API: workflow failure", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	overall := s.health.OverallStatus()
	code := http.StatusOK
	if overall == health.StatusUnhealthy || overall == health.StatusUnreachable {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":     overall,
		"components": s.health.Snapshots(),
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	listName := mux.Vars(r)["list"]

	var req SubscribeRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if (req.Email == "") == (req.UserID == "") {
		s.writeError(w, http.StatusBadRequest, "Exactly one of email or user_id is required")
		return
	}

	var role consts.Role
	if req.Role != "" {
		parsed, err := consts.ParseRole(req.Role)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		role = parsed
	}

	sub := workflow.AddressSubscriber(req.Email)
	if req.UserID != "" {
		sub = workflow.UserSubscriber(req.UserID)
	}

	res, err := s.subs.Start(r.Context(), workflow.StartRequest{
		List:        listName,
		Subscriber:  sub,
		Role:        role,
		DisplayName: req.DisplayName,
		Trust: policy.Trust{
			PreVerified:  req.PreVerified,
			PreConfirmed: req.PreConfirmed,
			PreApproved:  req.PreApproved,
		},
	})
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeJSON(w, statusFor(res), toResponse(listName, res))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	res, err := s.subs.Resume(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeJSON(w, statusFor(res), toResponse("", res))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	listName := mux.Vars(r)["list"]

	requestType := consts.RequestSubscription
	if v := r.URL.Query().Get("type"); v != "" {
		rt, err := consts.ParseRequestType(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		requestType = rt
	}

	seq, err := s.subs.Requests(r.Context(), listName, requestType)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}

	out := []PendingRequestResponse{}
	for req, err := range seq {
		if err != nil {
			s.writeWorkflowError(w, err)
			return
		}
		out = append(out, PendingRequestResponse{
			Token:     req.Token,
			Email:     req.Email,
			Awaiting:  string(req.Awaiting),
			Step:      req.Step.String(),
			CreatedAt: req.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"list":     listName,
		"type":     requestType,
		"requests": out,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, workflow.Approve, "")
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	s.decide(w, r, workflow.Reject, req.Reason)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, decision workflow.Decision, reason string) {
	res, err := s.subs.ModeratorDecide(r.Context(), mux.Vars(r)["token"], decision, reason)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeJSON(w, statusFor(res), toResponse("", res))
}
