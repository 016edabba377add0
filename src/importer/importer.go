// Package importer converts uploaded ledger files into store rows. Back
// offices deliver transaction histories as CSV exports; one bad row must not
// reject the rest of the file.
package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/username/clientfolio/backend/src/logger"
	"github.com/username/clientfolio/backend/src/models"
	"github.com/username/clientfolio/backend/src/store"
	"github.com/username/clientfolio/backend/src/utils"
)

// Expected column order: entity_id, date (YYYY-MM-DD), amount, kind.
const expectedColumns = 4

// Result summarizes one parsed file.
type Result struct {
	Rows    []store.LedgerRow
	Skipped []string
}

type LedgerParser struct{}

func NewParser() *LedgerParser {
	return &LedgerParser{}
}

// Parse reads a ledger CSV export. The first row is a header and is
// discarded. Malformed rows are recorded in Result.Skipped with a reason;
// only an unreadable file is an error.
func (p *LedgerParser) Parse(file io.Reader) (Result, error) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		return Result{}, fmt.Errorf("failed to read CSV header: %w", err)
	}

	var result Result
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		row, err := parseRecord(record)
		if err != nil {
			logger.L.Warn("Skipping ledger import row", "line", line, "error", err)
			result.Skipped = append(result.Skipped, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func parseRecord(record []string) (store.LedgerRow, error) {
	if len(record) < expectedColumns {
		return store.LedgerRow{}, fmt.Errorf("expected %d columns, got %d", expectedColumns, len(record))
	}

	entityID := strings.TrimSpace(record[0])
	if entityID == "" {
		return store.LedgerRow{}, fmt.Errorf("entity_id is empty")
	}
	date, err := utils.ParseDate(strings.TrimSpace(record[1]))
	if err != nil {
		return store.LedgerRow{}, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(record[2]))
	if err != nil {
		return store.LedgerRow{}, fmt.Errorf("invalid amount %q", record[2])
	}
	if amount.Sign() <= 0 {
		return store.LedgerRow{}, fmt.Errorf("amount %s must be a positive magnitude", amount)
	}
	kind, err := models.ParseEventKind(strings.TrimSpace(record[3]))
	if err != nil {
		return store.LedgerRow{}, err
	}

	return store.LedgerRow{
		ID:       uuid.NewString(),
		EntityID: entityID,
		Date:     date,
		Amount:   amount,
		Kind:     kind,
	}, nil
}
