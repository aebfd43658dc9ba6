package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"MarginClear/internal/clearing"
	"MarginClear/internal/ledger"
	fpmath "MarginClear/internal/math"
	"MarginClear/internal/observability"
	"MarginClear/internal/query"
	"MarginClear/internal/simulation"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type TradeClearer interface {
	Clear(ctx context.Context, req clearing.TradeRequest) (*clearing.Trade, error)
}

type BatchRunner interface {
	RunBatch(ctx context.Context, spec simulation.BatchSpec) (*simulation.Result, error)
}

// GatewayDeps holds everything the HTTP routes need.
type GatewayDeps struct {
	Query       *query.QueryService
	Clearer     TradeClearer
	Provisioner simulation.Provisioner
	Simulator   BatchRunner

	// Defaults for POST /v1/accounts/initialize and POST /v1/simulations.
	SeedAccounts   int
	SeedBalance    decimal.Decimal
	SimulationSpec simulation.BatchSpec

	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Log     zerolog.Logger
}

type gateway struct {
	deps GatewayDeps
}

// NewGatewayHandler builds the HTTP/JSON API on a grpc-gateway ServeMux.
func NewGatewayHandler(deps GatewayDeps) (http.Handler, error) {
	g := &gateway{deps: deps}
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern, endpoint string
		h                         func(w http.ResponseWriter, r *http.Request, params map[string]string) (int, any)
	}{
		{http.MethodPost, "/v1/trades", "submit_trade", g.submitTrade},
		{http.MethodGet, "/v1/trades", "recent_trades", g.recentTrades},
		{http.MethodGet, "/v1/trades/summary", "trade_summary", g.tradeSummary},
		{http.MethodGet, "/v1/clients/{client_id}/trades", "client_trades", g.clientTrades},
		{http.MethodGet, "/v1/accounts", "list_accounts", g.listAccounts},
		{http.MethodGet, "/v1/accounts/{client_id}", "get_account", g.getAccount},
		{http.MethodPost, "/v1/accounts/initialize", "initialize_accounts", g.initializeAccounts},
		{http.MethodPost, "/v1/simulations", "run_simulation", g.runSimulation},
		{http.MethodGet, "/v1/admin/integrity", "verify_integrity", g.verifyIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, g.instrument(rt.endpoint, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (g *gateway) instrument(endpoint string, h func(http.ResponseWriter, *http.Request, map[string]string) (int, any)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		code, body := h(w, r, params)
		writeJSON(w, code, body)

		if m := g.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, fmt.Sprint(code)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
		if code >= http.StatusInternalServerError {
			g.deps.Log.Error().Str("endpoint", endpoint).Int("status", code).Interface("body", body).Msg("request failed")
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func errorBody(err error) errorResponse { return errorResponse{Error: err.Error()} }

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidClientID), errors.Is(err, clearing.ErrInvalidTrade):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// submitTrade clears one trade. Any failure is reported as 400 with the error.
func (g *gateway) submitTrade(_ http.ResponseWriter, r *http.Request, _ map[string]string) (int, any) {
	var req clearing.TradeRequest
	if r.ContentLength == 0 {
		return http.StatusBadRequest, errorResponse{Error: "request body is required"}
	}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, errorBody(err)
	}
	trade, err := g.deps.Clearer.Clear(r.Context(), req)
	if err != nil {
		return http.StatusBadRequest, errorBody(err)
	}
	return http.StatusOK, query.NewTradeResponse(*trade)
}

func (g *gateway) recentTrades(_ http.ResponseWriter, r *http.Request, _ map[string]string) (int, any) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if _, err := fmt.Sscanf(s, "%d", &limit); err != nil {
			return http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit %q", s)}
		}
	}
	trades, err := g.deps.Query.RecentTrades(r.Context(), limit)
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	return http.StatusOK, trades
}

func (g *gateway) tradeSummary(_ http.ResponseWriter, r *http.Request, _ map[string]string) (int, any) {
	s, err := g.deps.Query.Summary(r.Context())
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	return http.StatusOK, s
}

func (g *gateway) clientTrades(_ http.ResponseWriter, r *http.Request, params map[string]string) (int, any) {
	trades, err := g.deps.Query.ClientTrades(r.Context(), params["client_id"])
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	return http.StatusOK, trades
}

func (g *gateway) listAccounts(_ http.ResponseWriter, r *http.Request, _ map[string]string) (int, any) {
	accounts, err := g.deps.Query.ListAccounts(r.Context())
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	return http.StatusOK, accounts
}

func (g *gateway) getAccount(_ http.ResponseWriter, r *http.Request, params map[string]string) (int, any) {
	acct, err := g.deps.Query.GetAccount(r.Context(), params["client_id"])
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	return http.StatusOK, acct
}

type initializeRequest struct {
	Count          int    `json:"count"`
	InitialBalance string `json:"initial_balance"`
}

type initializeResponse struct {
	Created  []string                `json:"created"`
	Accounts []query.AccountResponse `json:"accounts"`
}

func (g *gateway) initializeAccounts(_ http.ResponseWriter, r *http.Request, _ map[string]string) (int, any) {
	req := initializeRequest{Count: g.deps.SeedAccounts}
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, errorBody(err)
	}
	if req.Count <= 0 {
		return http.StatusBadRequest, errorResponse{Error: "count must be positive"}
	}
	balance := g.deps.SeedBalance
	if req.InitialBalance != "" {
		b, err := fpmath.ParseMoney(req.InitialBalance)
		if err != nil {
			return http.StatusBadRequest, errorBody(err)
		}
		balance = b
	}
	if balance.IsNegative() {
		return http.StatusBadRequest, errorResponse{Error: "initial_balance must not be negative"}
	}

	created, err := simulation.SeedAccounts(r.Context(), g.deps.Provisioner, req.Count, balance)
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	accounts, err := g.deps.Query.ListAccounts(r.Context())
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	if created == nil {
		created = []string{}
	}
	return http.StatusOK, initializeResponse{Created: created, Accounts: accounts}
}

type simulationRequest struct {
	Trades int `json:"trades"`
}

func (g *gateway) runSimulation(_ http.ResponseWriter, r *http.Request, _ map[string]string) (int, any) {
	spec := g.deps.SimulationSpec
	var req simulationRequest
	if err := decodeBody(r, &req); err != nil {
		return http.StatusBadRequest, errorBody(err)
	}
	if req.Trades > 0 {
		spec.Count = req.Trades
	}

	result, err := g.deps.Simulator.RunBatch(r.Context(), spec)
	if err != nil {
		if errors.Is(err, simulation.ErrInvalidBatch) {
			return http.StatusBadRequest, errorBody(err)
		}
		return statusFor(err), errorBody(err)
	}
	return http.StatusOK, result
}

func (g *gateway) verifyIntegrity(_ http.ResponseWriter, r *http.Request, _ map[string]string) (int, any) {
	report, err := g.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	return http.StatusOK, report
}
