package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/username/clientfolio/backend/src/importer"
	"github.com/username/clientfolio/backend/src/logger"
	"github.com/username/clientfolio/backend/src/models"
	"github.com/username/clientfolio/backend/src/store"
	"github.com/username/clientfolio/backend/src/utils"
)

// maxImportSize bounds uploaded ledger files to 10 MB.
const maxImportSize = 10 << 20

// LedgerHandler is the mutation entry point for transactions and valuations.
// Every successful write has already invalidated the affected cached returns
// by the time the response is sent; the store enforces that ordering.
type LedgerHandler struct {
	store  *store.SQLStore
	parser *importer.LedgerParser
}

func NewLedgerHandler(s *store.SQLStore) *LedgerHandler {
	return &LedgerHandler{store: s, parser: importer.NewParser()}
}

// insertEventRequest is the body of POST /api/ledger/events. Amount is a
// positive magnitude; the collector applies the investor sign convention.
type insertEventRequest struct {
	EntityID string `json:"entity_id"`
	Date     string `json:"date"`
	Amount   string `json:"amount"`
	Kind     string `json:"kind"`
}

func (h *LedgerHandler) HandleInsertEvent(w http.ResponseWriter, r *http.Request) {
	var req insertEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid JSON request body", http.StatusBadRequest)
		return
	}
	if req.EntityID == "" {
		utils.SendJSONError(w, "entity_id is required", http.StatusBadRequest)
		return
	}
	date, err := utils.ParseDate(req.Date)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		utils.SendJSONError(w, fmt.Sprintf("invalid amount %q", req.Amount), http.StatusBadRequest)
		return
	}
	if amount.Sign() <= 0 {
		utils.SendJSONError(w, "amount must be a positive magnitude", http.StatusBadRequest)
		return
	}
	kind, err := models.ParseEventKind(req.Kind)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	row := store.LedgerRow{
		ID:       uuid.NewString(),
		EntityID: req.EntityID,
		Date:     date,
		Amount:   amount,
		Kind:     kind,
	}
	if err := h.store.InsertEvent(r.Context(), row); err != nil {
		if errors.Is(err, store.ErrEntityNotFound) {
			utils.SendJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.SendJSONError(w, fmt.Sprintf("Error inserting ledger event: %v", err), http.StatusInternalServerError)
		return
	}

	logger.L.Info("Ledger event inserted", "eventID", row.ID, "entityID", row.EntityID, "kind", row.Kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(row)
}

// importResponse summarizes a bulk upload: rows written, rows the parser
// rejected, and rows that referenced unknown entities.
type importResponse struct {
	Imported int      `json:"imported"`
	Skipped  []string `json:"skipped,omitempty"`
}

// HandleImportEvents serves POST /api/ledger/import with a CSV body of
// columns entity_id,date,amount,kind. Valid rows are written even when
// others are rejected; each write invalidates the affected cached returns.
func (h *LedgerHandler) HandleImportEvents(w http.ResponseWriter, r *http.Request) {
	result, err := h.parser.Parse(http.MaxBytesReader(w, r.Body, maxImportSize))
	if err != nil {
		utils.SendJSONError(w, fmt.Sprintf("Unable to parse uploaded file: %v", err), http.StatusBadRequest)
		return
	}

	resp := importResponse{Skipped: result.Skipped}
	for _, row := range result.Rows {
		if err := h.store.InsertEvent(r.Context(), row); err != nil {
			if errors.Is(err, store.ErrEntityNotFound) {
				resp.Skipped = append(resp.Skipped, fmt.Sprintf("entity %q not found", row.EntityID))
				continue
			}
			utils.SendJSONError(w, fmt.Sprintf("Error importing ledger events: %v", err), http.StatusInternalServerError)
			return
		}
		resp.Imported++
	}

	logger.L.Info("Ledger import completed", "imported", resp.Imported, "skipped", len(resp.Skipped))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *LedgerHandler) HandleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	if eventID == "" {
		utils.SendJSONError(w, "event id is required", http.StatusBadRequest)
		return
	}
	if err := h.store.DeleteEvent(r.Context(), eventID); err != nil {
		if errors.Is(err, store.ErrEventNotFound) || errors.Is(err, store.ErrEntityNotFound) {
			utils.SendJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.SendJSONError(w, fmt.Sprintf("Error deleting ledger event: %v", err), http.StatusInternalServerError)
		return
	}

	logger.L.Info("Ledger event deleted", "eventID", eventID)
	w.WriteHeader(http.StatusNoContent)
}
