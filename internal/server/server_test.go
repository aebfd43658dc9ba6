package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MarginClear/internal/clearing"
	"MarginClear/internal/ledger"
	"MarginClear/internal/margin"
	fpmath "MarginClear/internal/math"
	"MarginClear/internal/observability"
	"MarginClear/internal/pool"
	"MarginClear/internal/query"
	"MarginClear/internal/server"
	"MarginClear/internal/simulation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type apiEnv struct {
	handler http.Handler
	ledger  *ledger.MemoryLedger
	store   *clearing.MemoryTradeStore
	metrics *observability.Metrics
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	l := ledger.NewMemoryLedger()
	store := clearing.NewMemoryTradeStore()
	m := observability.NewMetrics(prometheus.NewRegistry())
	c := clearing.NewClearer(l, store, margin.NewDefaultCalculator())

	p := pool.New(4, 16)
	t.Cleanup(p.Close)

	spec := simulation.DefaultBatchSpec()
	spec.Count = 50
	spec.AccountPool = simulation.ClientIDs(3)

	checker := observability.NewHealthChecker()
	checker.SetReady(true)

	h, err := server.NewGatewayHandler(server.GatewayDeps{
		Query:          query.NewQueryService(l, store),
		Clearer:        c,
		Provisioner:    l,
		Simulator:      simulation.NewHarness(c, p, simulation.WithSeed(7)),
		SeedAccounts:   3,
		SeedBalance:    fpmath.MustMoney("10000.00"),
		SimulationSpec: spec,
		Health:         checker,
		Metrics:        m,
		Log:            zerolog.Nop(),
	})
	require.NoError(t, err)
	return &apiEnv{handler: h, ledger: l, store: store, metrics: m}
}

func (e *apiEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var obj map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &obj)
	return rec, obj
}

func TestGateway_InitializeAndSubmitTrade(t *testing.T) {
	e := newAPI(t)

	rec, body := e.do(t, http.MethodPost, "/v1/accounts/initialize", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, body["created"], 3)

	rec, body = e.do(t, http.MethodPost, "/v1/trades", `{"client_id":"CLIENT_001","symbol":"AAPL","quantity":10,"price":"150.00"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CLEARED", body["status"])
	assert.Equal(t, "150.00", body["margin_required"])
	assert.Equal(t, "150.00", body["price"])

	rec, body = e.do(t, http.MethodGet, "/v1/accounts/CLIENT_001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "9850.00", body["balance"])
	assert.Equal(t, float64(1), body["revision"])

	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.QueryRequests.WithLabelValues("submit_trade", "200")))
}

func TestGateway_SubmitTradeErrorsAre400(t *testing.T) {
	e := newAPI(t)

	rec, body := e.do(t, http.MethodPost, "/v1/trades", `{"client_id":"GHOST","symbol":"AAPL","quantity":1,"price":"1.00"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "account not found")

	rec, _ = e.do(t, http.MethodPost, "/v1/trades", `{"client_id":"A","symbol":"AAPL","quantity":-1,"price":"1.00"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/trades", `{"client_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/trades", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, e.store.All())
}

func TestGateway_TradeQueries(t *testing.T) {
	e := newAPI(t)
	ctx := context.Background()
	_, err := e.ledger.Provision(ctx, "A", fpmath.MustMoney("100.00"))
	require.NoError(t, err)
	_, err = e.ledger.Provision(ctx, "B", fpmath.MustMoney("100.00"))
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		client := "A"
		if i%5 == 0 {
			client = "B"
		}
		rec, _ := e.do(t, http.MethodPost, "/v1/trades", `{"client_id":"`+client+`","symbol":"MSFT","quantity":1,"price":"10.00"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/trades", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var recent []query.TradeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recent))
	assert.Len(t, recent, 20)
	assert.False(t, recent[0].CreatedAt.Before(recent[19].CreatedAt))

	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/clients/B/trades", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var byClient []query.TradeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byClient))
	assert.Len(t, byClient, 5)
	for _, tr := range byClient {
		assert.Equal(t, "B", tr.ClientID)
		assert.Equal(t, "1.00", tr.MarginRequired)
	}

	_, summary := e.do(t, http.MethodGet, "/v1/trades/summary", "")
	assert.Equal(t, float64(25), summary["total"])

	rec, _ = e.do(t, http.MethodGet, "/v1/trades?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_Accounts(t *testing.T) {
	e := newAPI(t)

	rec, _ := e.do(t, http.MethodGet, "/v1/accounts/NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := e.do(t, http.MethodPost, "/v1/accounts/initialize", `{"count":2,"initial_balance":"500.00"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["created"], 2)

	// seeding again creates nothing
	rec, body = e.do(t, http.MethodPost, "/v1/accounts/initialize", `{"count":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["created"])

	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts", nil))
	var accounts []query.AccountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	require.Len(t, accounts, 2)
	assert.Equal(t, "500.00", accounts[0].Balance)

	rec, _ = e.do(t, http.MethodPost, "/v1/accounts/initialize", `{"count":2,"initial_balance":"1.001"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_RunSimulation(t *testing.T) {
	e := newAPI(t)
	rec, _ := e.do(t, http.MethodPost, "/v1/accounts/initialize", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := e.do(t, http.MethodPost, "/v1/simulations", `{"trades":40}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(40), body["total_trades"])
	assert.Equal(t, body["total_trades"], body["success_count"].(float64)+body["failure_count"].(float64))
	assert.Regexp(t, `^\d+\.\d{2}$`, body["cleared_margin"])
	assert.Len(t, e.store.All(), 40)

	_, report := e.do(t, http.MethodGet, "/v1/admin/integrity", "")
	assert.Equal(t, true, report["is_healthy"])
}

func TestGateway_Health(t *testing.T) {
	e := newAPI(t)
	rec, _ := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func dialBufconn(t *testing.T, srv *server.GRPCServer) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestGRPCHealth_FollowsReadiness(t *testing.T) {
	checker := observability.NewHealthChecker()
	srv := server.NewGRPCServer(checker, zerolog.Nop())
	client := dialBufconn(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	checker.SetReady(true)
	assert.True(t, srv.SyncHealth(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	checker.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	assert.False(t, srv.SyncHealth(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
