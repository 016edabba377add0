package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/clientfolio/backend/src/cachemanager"
	"github.com/username/clientfolio/backend/src/logger"
	"github.com/username/clientfolio/backend/src/models"
	"github.com/username/clientfolio/backend/src/store"
	"github.com/username/clientfolio/backend/src/utils"
)

// RateResponse is the wire form of one computed return figure.
type RateResponse struct {
	Rate       decimal.NullDecimal `json:"rate"`
	AsOfDate   string              `json:"as_of_date"`
	Status     models.CacheStatus  `json:"status"`
	Converged  bool                `json:"converged"`
	Reason     models.ReasonCode   `json:"reason,omitempty"`
	Iterations int                 `json:"iterations"`
	EntityID   string              `json:"entity_id"`
	Level      models.Level        `json:"level"`
	ComputedAt time.Time           `json:"computed_at"`
}

type ReturnsHandler struct {
	cache *cachemanager.Manager
}

func NewReturnsHandler(cache *cachemanager.Manager) *ReturnsHandler {
	return &ReturnsHandler{cache: cache}
}

// HandleGetRate serves GET /api/returns/rate?level=&entity_id=&as_of=&allow_stale=.
// A non-converged rate is a normal 200 response with rate null; consuming
// UIs render it as a dash, never a crash.
func (h *ReturnsHandler) HandleGetRate(w http.ResponseWriter, r *http.Request) {
	key, err := parseAggregationKey(r.URL.Query().Get("level"), r.URL.Query().Get("entity_id"), r.URL.Query().Get("as_of"))
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	allowStale := r.URL.Query().Get("allow_stale") == "true"

	entry, err := h.cache.Get(r.Context(), key, allowStale)
	if err != nil {
		if errors.Is(err, store.ErrEntityNotFound) {
			utils.SendJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.SendJSONError(w, fmt.Sprintf("Error computing rate for %s: %v", key, err), http.StatusInternalServerError)
		return
	}

	resp := toRateResponse(entry)
	etag, err := utils.GenerateETag(resp)
	if err == nil {
		if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// refreshRequest is the body of POST /api/returns/refresh.
type refreshRequest struct {
	Level    string `json:"level"`
	EntityID string `json:"entity_id"`
	AsOf     string `json:"as_of,omitempty"`
}

// HandleRefresh serves POST /api/returns/refresh, forcing a synchronous
// recomputation and returning the new result.
func (h *ReturnsHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid JSON request body", http.StatusBadRequest)
		return
	}
	key, err := parseAggregationKey(req.Level, req.EntityID, req.AsOf)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger.L.Info("Forced refresh requested", "key", key.String())
	entry, err := h.cache.Refresh(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrEntityNotFound) {
			utils.SendJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.SendJSONError(w, fmt.Sprintf("Error refreshing rate for %s: %v", key, err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toRateResponse(entry))
}

func parseAggregationKey(levelStr, entityID, asOfStr string) (models.AggregationKey, error) {
	level, err := models.ParseLevel(levelStr)
	if err != nil {
		return models.AggregationKey{}, err
	}
	if entityID == "" {
		return models.AggregationKey{}, errors.New("entity_id is required")
	}
	asOf := utils.Midnight(time.Now())
	if asOfStr != "" {
		if asOf, err = utils.ParseDate(asOfStr); err != nil {
			return models.AggregationKey{}, err
		}
	}
	return models.AggregationKey{Level: level, EntityID: entityID, AsOf: asOf}, nil
}

func toRateResponse(entry models.CacheEntry) RateResponse {
	return RateResponse{
		Rate:       entry.Result.Rate,
		AsOfDate:   entry.Key.AsOf.Format(utils.DefaultDateFormat),
		Status:     entry.Status,
		Converged:  entry.Result.Converged,
		Reason:     entry.Result.Reason,
		Iterations: entry.Result.Iterations,
		EntityID:   entry.Key.EntityID,
		Level:      entry.Key.Level,
		ComputedAt: entry.ComputedAt,
	}
}
