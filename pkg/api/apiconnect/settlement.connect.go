// Package apiconnect wires the settleup.v1.SettlementService messages to
// Connect handlers and clients using a JSON codec.
package apiconnect

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/settleup/pkg/api"
)

// SettlementServiceName is the fully-qualified name of the SettlementService service.
const SettlementServiceName = "settleup.v1.SettlementService"

// Procedure paths, in the form "/<service>/<method>".
const (
	SettlementServiceRecomputeProcedure          = "/settleup.v1.SettlementService/Recompute"
	SettlementServiceCompleteSettlementProcedure = "/settleup.v1.SettlementService/CompleteSettlement"
	SettlementServiceListSettlementsProcedure    = "/settleup.v1.SettlementService/ListSettlements"
	SettlementServiceGetGroupBalancesProcedure   = "/settleup.v1.SettlementService/GetGroupBalances"
)

// SettlementServiceHandler is implemented by the server.
type SettlementServiceHandler interface {
	Recompute(context.Context, *connect.Request[api.RecomputeRequest]) (*connect.Response[api.RecomputeResponse], error)
	CompleteSettlement(context.Context, *connect.Request[api.CompleteSettlementRequest]) (*connect.Response[api.CompleteSettlementResponse], error)
	ListSettlements(context.Context, *connect.Request[api.ListSettlementsRequest]) (*connect.Response[api.ListSettlementsResponse], error)
	GetGroupBalances(context.Context, *connect.Request[api.GetGroupBalancesRequest]) (*connect.Response[api.GetGroupBalancesResponse], error)
}

// NewSettlementServiceHandler builds an HTTP handler from the service
// implementation. It returns the path on which to mount the handler and the
// handler itself.
func NewSettlementServiceHandler(svc SettlementServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	recompute := connect.NewUnaryHandler(SettlementServiceRecomputeProcedure, svc.Recompute, opts...)
	complete := connect.NewUnaryHandler(SettlementServiceCompleteSettlementProcedure, svc.CompleteSettlement, opts...)
	list := connect.NewUnaryHandler(SettlementServiceListSettlementsProcedure, svc.ListSettlements, opts...)
	balances := connect.NewUnaryHandler(SettlementServiceGetGroupBalancesProcedure, svc.GetGroupBalances, opts...)

	return "/" + SettlementServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case SettlementServiceRecomputeProcedure:
			recompute.ServeHTTP(w, r)
		case SettlementServiceCompleteSettlementProcedure:
			complete.ServeHTTP(w, r)
		case SettlementServiceListSettlementsProcedure:
			list.ServeHTTP(w, r)
		case SettlementServiceGetGroupBalancesProcedure:
			balances.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// SettlementServiceClient calls a SettlementService server.
type SettlementServiceClient interface {
	Recompute(context.Context, *connect.Request[api.RecomputeRequest]) (*connect.Response[api.RecomputeResponse], error)
	CompleteSettlement(context.Context, *connect.Request[api.CompleteSettlementRequest]) (*connect.Response[api.CompleteSettlementResponse], error)
	ListSettlements(context.Context, *connect.Request[api.ListSettlementsRequest]) (*connect.Response[api.ListSettlementsResponse], error)
	GetGroupBalances(context.Context, *connect.Request[api.GetGroupBalancesRequest]) (*connect.Response[api.GetGroupBalancesResponse], error)
}

// NewSettlementServiceClient constructs a client for the service at baseURL
// (for example, http://localhost:8080).
func NewSettlementServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) SettlementServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)

	return &settlementServiceClient{
		recompute: connect.NewClient[api.RecomputeRequest, api.RecomputeResponse](
			httpClient, baseURL+SettlementServiceRecomputeProcedure, opts...),
		completeSettlement: connect.NewClient[api.CompleteSettlementRequest, api.CompleteSettlementResponse](
			httpClient, baseURL+SettlementServiceCompleteSettlementProcedure, opts...),
		listSettlements: connect.NewClient[api.ListSettlementsRequest, api.ListSettlementsResponse](
			httpClient, baseURL+SettlementServiceListSettlementsProcedure, opts...),
		getGroupBalances: connect.NewClient[api.GetGroupBalancesRequest, api.GetGroupBalancesResponse](
			httpClient, baseURL+SettlementServiceGetGroupBalancesProcedure, opts...),
	}
}

type settlementServiceClient struct {
	recompute          *connect.Client[api.RecomputeRequest, api.RecomputeResponse]
	completeSettlement *connect.Client[api.CompleteSettlementRequest, api.CompleteSettlementResponse]
	listSettlements    *connect.Client[api.ListSettlementsRequest, api.ListSettlementsResponse]
	getGroupBalances   *connect.Client[api.GetGroupBalancesRequest, api.GetGroupBalancesResponse]
}

func (c *settlementServiceClient) Recompute(ctx context.Context, req *connect.Request[api.RecomputeRequest]) (*connect.Response[api.RecomputeResponse], error) {
	return c.recompute.CallUnary(ctx, req)
}

func (c *settlementServiceClient) CompleteSettlement(ctx context.Context, req *connect.Request[api.CompleteSettlementRequest]) (*connect.Response[api.CompleteSettlementResponse], error) {
	return c.completeSettlement.CallUnary(ctx, req)
}

func (c *settlementServiceClient) ListSettlements(ctx context.Context, req *connect.Request[api.ListSettlementsRequest]) (*connect.Response[api.ListSettlementsResponse], error) {
	return c.listSettlements.CallUnary(ctx, req)
}

func (c *settlementServiceClient) GetGroupBalances(ctx context.Context, req *connect.Request[api.GetGroupBalancesRequest]) (*connect.Response[api.GetGroupBalancesResponse], error) {
	return c.getGroupBalances.CallUnary(ctx, req)
}
