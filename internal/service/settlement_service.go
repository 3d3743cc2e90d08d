package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"

	"github.com/mmynk/settleup/internal/auth"
	"github.com/mmynk/settleup/internal/calculator"
	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/middleware"
	"github.com/mmynk/settleup/internal/models"
	"github.com/mmynk/settleup/internal/settlement"
	"github.com/mmynk/settleup/internal/storage"
	"github.com/mmynk/settleup/pkg/api"
	"github.com/mmynk/settleup/pkg/api/apiconnect"
)

var _ apiconnect.SettlementServiceHandler = (*SettlementService)(nil)

// SettlementService implements the Connect SettlementService.
type SettlementService struct {
	store  storage.Reader
	engine *settlement.Engine
}

// NewSettlementService creates a SettlementService. store is used for
// membership checks and listings; every write goes through engine.
func NewSettlementService(store storage.Reader, engine *settlement.Engine) *SettlementService {
	return &SettlementService{store: store, engine: engine}
}

// Recompute replaces the pending settlements of a group the caller belongs to.
func (s *SettlementService) Recompute(ctx context.Context, req *connect.Request[api.RecomputeRequest]) (*connect.Response[api.RecomputeResponse], error) {
	groupID := req.Msg.GroupID
	if err := s.requireMember(ctx, groupID); err != nil {
		return nil, err
	}

	result, err := s.engine.Recompute(ctx, groupID)
	if err != nil {
		return nil, toConnectError(err)
	}

	resp := &api.RecomputeResponse{Settlements: toAPISettlements(result.Settlements)}
	if result.Integrity != nil {
		resp.IntegrityWarning = result.Integrity.Error()
	}
	return connect.NewResponse(resp), nil
}

// CompleteSettlement marks a settlement paid. The caller must be its payer.
func (s *SettlementService) CompleteSettlement(ctx context.Context, req *connect.Request[api.CompleteSettlementRequest]) (*connect.Response[api.CompleteSettlementResponse], error) {
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
	}

	completed, err := s.engine.CompleteSettlement(ctx, settlement.CompleteRequest{
		SettlementID:     req.Msg.SettlementID,
		ActorID:          userID,
		PaymentMethod:    req.Msg.PaymentMethod,
		PaymentReference: req.Msg.PaymentReference,
	})
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&api.CompleteSettlementResponse{
		Settlement: toAPISettlement(completed),
	}), nil
}

// ListSettlements lists a group's settlements, optionally filtered by status.
func (s *SettlementService) ListSettlements(ctx context.Context, req *connect.Request[api.ListSettlementsRequest]) (*connect.Response[api.ListSettlementsResponse], error) {
	status := models.SettlementStatus(req.Msg.Status)
	if status != "" && !status.Valid() {
		return nil, toConnectError(errs.Invalid("status", "unknown status %q", req.Msg.Status))
	}
	if err := s.requireMember(ctx, req.Msg.GroupID); err != nil {
		return nil, err
	}

	settlements, err := s.store.ListSettlementsByGroup(ctx, req.Msg.GroupID, status)
	if err != nil {
		return nil, toConnectError(err)
	}

	slog.Debug("Listed settlements", "group_id", req.Msg.GroupID, "status", status, "count", len(settlements))

	return connect.NewResponse(&api.ListSettlementsResponse{
		Settlements: toAPISettlements(settlements),
	}), nil
}

// GetGroupBalances returns each member's balance and the pending settlements.
func (s *SettlementService) GetGroupBalances(ctx context.Context, req *connect.Request[api.GetGroupBalancesRequest]) (*connect.Response[api.GetGroupBalancesResponse], error) {
	if err := s.requireMember(ctx, req.Msg.GroupID); err != nil {
		return nil, err
	}

	balances, pending, err := s.engine.GroupBalances(ctx, req.Msg.GroupID)
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&api.GetGroupBalancesResponse{
		Balances:           toAPIBalances(balances),
		PendingSettlements: toAPISettlements(pending),
	}), nil
}

// requireMember loads the group and checks that the caller belongs to it.
func (s *SettlementService) requireMember(ctx context.Context, groupID string) error {
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		return connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
	}
	if groupID == "" {
		return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("group_id required"))
	}

	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return toConnectError(err)
	}
	if !group.HasMember(userID) {
		slog.Warn("Non-member denied", "group_id", groupID, "user_id", userID)
		return connect.NewError(connect.CodePermissionDenied, fmt.Errorf("not a member of group %s", groupID))
	}
	return nil
}

// toConnectError maps the engine's error taxonomy onto Connect codes.
func toConnectError(err error) error {
	var code connect.Code
	switch {
	case errors.Is(err, errs.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, errs.ErrForbidden):
		code = connect.CodePermissionDenied
	case errors.Is(err, errs.ErrAlreadySettled):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, errs.ErrConflict):
		code = connect.CodeAborted
	case errors.Is(err, errs.ErrValidation):
		code = connect.CodeInvalidArgument
	case errors.Is(err, errs.ErrTimeout):
		code = connect.CodeUnavailable
	default:
		slog.Error("Unexpected settlement error", "error", err)
		code = connect.CodeInternal
	}
	return connect.NewError(code, err)
}

func toAPISettlement(s *models.Settlement) *api.Settlement {
	return &api.Settlement{
		ID:                s.ID,
		GroupID:           s.GroupID,
		PayerID:           s.PayerID,
		ReceiverID:        s.ReceiverID,
		Amount:            s.Amount.StringFixed(2),
		Currency:          s.Currency,
		Status:            string(s.Status),
		PaymentMethod:     s.PaymentMethod,
		PaymentReference:  s.PaymentReference,
		RelatedExpenseIDs: s.RelatedExpenses,
		Version:           s.Version,
		CreatedAt:         s.CreatedAt,
		SettledAt:         s.SettledAt,
	}
}

func toAPISettlements(settlements []*models.Settlement) []*api.Settlement {
	result := make([]*api.Settlement, len(settlements))
	for i, s := range settlements {
		result[i] = toAPISettlement(s)
	}
	return result
}

func toAPIBalances(balances []calculator.MemberBalance) []*api.MemberBalance {
	result := make([]*api.MemberBalance, len(balances))
	for i, b := range balances {
		result[i] = &api.MemberBalance{
			MemberID:   b.MemberID,
			NetBalance: b.NetBalance.StringFixed(2),
			TotalPaid:  b.TotalPaid.StringFixed(2),
			TotalOwed:  b.TotalOwed.StringFixed(2),
		}
	}
	return result
}
