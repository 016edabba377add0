package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/clientfolio/backend/src/aggregator"
	"github.com/username/clientfolio/backend/src/cachemanager"
	"github.com/username/clientfolio/backend/src/collector"
	"github.com/username/clientfolio/backend/src/database"
	"github.com/username/clientfolio/backend/src/logger"
	"github.com/username/clientfolio/backend/src/models"
	"github.com/username/clientfolio/backend/src/solver"
	"github.com/username/clientfolio/backend/src/store"
	_ "modernc.org/sqlite"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

// testBackend wires the full engine stack over an in-memory database.
type testBackend struct {
	store *store.SQLStore
	cache *cachemanager.Manager
	mux   *http.ServeMux
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(database.Schema)
	require.NoError(t, err)

	sqlStore := store.New(db)
	engine := aggregator.New(collector.New(sqlStore), sqlStore, solver.New(0))
	manager := cachemanager.New(engine, sqlStore, sqlStore, time.Hour, 0, 64)
	sqlStore.SetNotifier(manager)

	returnsHandler := NewReturnsHandler(manager)
	ledgerHandler := NewLedgerHandler(sqlStore)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/returns/rate", returnsHandler.HandleGetRate)
	mux.HandleFunc("POST /api/returns/refresh", returnsHandler.HandleRefresh)
	mux.HandleFunc("POST /api/ledger/events", ledgerHandler.HandleInsertEvent)
	mux.HandleFunc("POST /api/ledger/import", ledgerHandler.HandleImportEvents)
	mux.HandleFunc("DELETE /api/ledger/events/{id}", ledgerHandler.HandleDeleteEvent)

	return &testBackend{store: sqlStore, cache: manager, mux: mux}
}

func (b *testBackend) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []store.Entity{
		{ID: "portfolio-1", Name: "Portfolio", Level: models.LevelPortfolio},
		{ID: "fund-1", Name: "Fund One", Level: models.LevelFund, ParentID: "portfolio-1"},
	} {
		require.NoError(t, b.store.CreateEntity(ctx, e))
	}
	for _, row := range []store.LedgerRow{
		{ID: "e1", EntityID: "fund-1", Date: day("2023-01-01"), Amount: decimal.RequireFromString("1000"), Kind: models.KindContribution},
		{ID: "e2", EntityID: "fund-1", Date: day("2023-07-01"), Amount: decimal.RequireFromString("200"), Kind: models.KindWithdrawal},
		{ID: "e3", EntityID: "fund-1", Date: day("2024-01-01"), Amount: decimal.RequireFromString("900"), Kind: models.KindValuation},
	} {
		require.NoError(t, b.store.InsertEvent(context.Background(), row))
	}
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func (b *testBackend) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	b.mux.ServeHTTP(rec, req)
	return rec
}

func TestGetRateEndToEnd(t *testing.T) {
	b := newTestBackend(t)
	b.seed(t)

	rec := b.do(t, http.MethodGet, "/api/returns/rate?level=fund&entity_id=fund-1&as_of=2024-01-01", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Converged)
	assert.Equal(t, models.StatusFresh, resp.Status)
	assert.Equal(t, "2024-01-01", resp.AsOfDate)
	require.True(t, resp.Rate.Valid)
	assert.InDelta(t, 0.1109, resp.Rate.Decimal.InexactFloat64(), 2e-4)
	assert.NotEmpty(t, rec.Header().Get("ETag"))
}

func TestGetRateNotModified(t *testing.T) {
	b := newTestBackend(t)
	b.seed(t)
	target := "/api/returns/rate?level=fund&entity_id=fund-1&as_of=2024-01-01"

	first := b.do(t, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	b.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestGetRateValidation(t *testing.T) {
	b := newTestBackend(t)

	assert.Equal(t, http.StatusBadRequest,
		b.do(t, http.MethodGet, "/api/returns/rate?level=department&entity_id=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		b.do(t, http.MethodGet, "/api/returns/rate?level=fund", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		b.do(t, http.MethodGet, "/api/returns/rate?level=fund&entity_id=x&as_of=01-02-2024", nil).Code)
}

func TestGetRateUnknownEntity(t *testing.T) {
	b := newTestBackend(t)
	b.seed(t)

	rec := b.do(t, http.MethodGet, "/api/returns/rate?level=fund&entity_id=ghost&as_of=2024-01-01", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = b.do(t, http.MethodPost, "/api/returns/refresh", refreshRequest{
		Level: "portfolio", EntityID: "ghost", AsOf: "2024-01-01",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRateNonConvergedIsOK(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.store.CreateEntity(ctx, store.Entity{ID: "fund-flat", Name: "Flat", Level: models.LevelFund}))
	// Only a terminal valuation: nothing to compute a return against.
	require.NoError(t, b.store.InsertEvent(ctx, store.LedgerRow{
		ID: "e1", EntityID: "fund-flat", Date: day("2024-01-01"),
		Amount: decimal.RequireFromString("900"), Kind: models.KindValuation,
	}))

	rec := b.do(t, http.MethodGet, "/api/returns/rate?level=fund&entity_id=fund-flat&as_of=2024-01-01", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Converged)
	assert.False(t, resp.Rate.Valid)
	assert.Equal(t, models.ReasonInsufficientEvents, resp.Reason)
}

func TestRefreshRecomputes(t *testing.T) {
	b := newTestBackend(t)
	b.seed(t)

	rec := b.do(t, http.MethodPost, "/api/returns/refresh", refreshRequest{
		Level: "portfolio", EntityID: "portfolio-1", AsOf: "2024-01-01",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Converged)
	assert.Equal(t, models.StatusFresh, resp.Status)
	assert.Equal(t, models.LevelPortfolio, resp.Level)
}

func TestLedgerWriteInvalidatesCachedReturns(t *testing.T) {
	b := newTestBackend(t)
	b.seed(t)
	target := "/api/returns/rate?level=portfolio&entity_id=portfolio-1&as_of=2024-01-01"

	first := b.do(t, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, first.Code)
	var before RateResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &before))

	// A mid-period contribution changes the money-weighted rate of the
	// fund and of every ancestor aggregate.
	rec := b.do(t, http.MethodPost, "/api/ledger/events", insertEventRequest{
		EntityID: "fund-1", Date: "2023-10-01", Amount: "500", Kind: "contribution",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	second := b.do(t, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, second.Code)
	var after RateResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &after))

	assert.Equal(t, models.StatusFresh, after.Status)
	require.True(t, before.Rate.Valid)
	require.True(t, after.Rate.Valid)
	assert.False(t, before.Rate.Decimal.Equal(after.Rate.Decimal),
		"inserting a transaction must invalidate and change the aggregate rate")
}

func TestImportLedgerCSV(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.store.CreateEntity(context.Background(),
		store.Entity{ID: "fund-1", Name: "Fund One", Level: models.LevelFund}))

	csvBody := "entity_id,date,amount,kind\n" +
		"fund-1,2023-01-01,1000,contribution\n" +
		"fund-1,2024-01-01,1100,valuation\n" +
		"fund-unknown,2023-01-01,500,contribution\n" +
		"fund-1,bad-date,100,contribution\n"
	req := httptest.NewRequest(http.MethodPost, "/api/ledger/import", bytes.NewReader([]byte(csvBody)))
	rec := httptest.NewRecorder()
	b.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Imported int      `json:"imported"`
		Skipped  []string `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Imported)
	assert.Len(t, resp.Skipped, 2)

	rate := b.do(t, http.MethodGet, "/api/returns/rate?level=fund&entity_id=fund-1&as_of=2024-01-01", nil)
	require.Equal(t, http.StatusOK, rate.Code)
	var rateResp RateResponse
	require.NoError(t, json.Unmarshal(rate.Body.Bytes(), &rateResp))
	require.True(t, rateResp.Rate.Valid)
	assert.InDelta(t, 0.10, rateResp.Rate.Decimal.InexactFloat64(), 1e-4)
}

func TestDeleteLedgerEvent(t *testing.T) {
	b := newTestBackend(t)
	b.seed(t)

	rec := b.do(t, http.MethodDelete, "/api/ledger/events/e2", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = b.do(t, http.MethodDelete, "/api/ledger/events/e2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInsertEventValidation(t *testing.T) {
	b := newTestBackend(t)
	b.seed(t)

	cases := []insertEventRequest{
		{EntityID: "", Date: "2023-01-01", Amount: "100", Kind: "contribution"},
		{EntityID: "fund-1", Date: "bad-date", Amount: "100", Kind: "contribution"},
		{EntityID: "fund-1", Date: "2023-01-01", Amount: "-100", Kind: "contribution"},
		{EntityID: "fund-1", Date: "2023-01-01", Amount: "100", Kind: "dividend"},
	}
	for _, c := range cases {
		assert.Equal(t, http.StatusBadRequest, b.do(t, http.MethodPost, "/api/ledger/events", c).Code)
	}

	missing := insertEventRequest{EntityID: "nope", Date: "2023-01-01", Amount: "100", Kind: "contribution"}
	assert.Equal(t, http.StatusNotFound, b.do(t, http.MethodPost, "/api/ledger/events", missing).Code)
}
