package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/clientfolio/backend/src/logger"
	"github.com/username/clientfolio/backend/src/models"
	"github.com/username/clientfolio/backend/src/utils"
)

var ErrEntityNotFound = errors.New("entity not found")
var ErrEventNotFound = errors.New("ledger event not found")

// SQLStore implements the ledger, hierarchy and cache persistence contracts
// on top of the shared sqlite database.
type SQLStore struct {
	db       *sql.DB
	notifier Notifier
}

func New(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// SetNotifier wires the cache invalidation callback. The cache manager is
// constructed after the store, so this cannot happen in New.
func (s *SQLStore) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *SQLStore) ReadEvents(ctx context.Context, entityID string, upTo time.Time) ([]LedgerRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, event_date, amount, kind
		 FROM ledger_events
		 WHERE entity_id = ? AND event_date <= ?
		 ORDER BY event_date ASC, created_at ASC`,
		entityID, upTo.Format(utils.DefaultDateFormat))
	if err != nil {
		return nil, fmt.Errorf("error querying ledger events for entity %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []LedgerRow
	for rows.Next() {
		row, err := scanLedgerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanLedgerRow(rows *sql.Rows) (LedgerRow, error) {
	var row LedgerRow
	var dateStr, amountStr, kindStr string
	if err := rows.Scan(&row.ID, &row.EntityID, &dateStr, &amountStr, &kindStr); err != nil {
		return LedgerRow{}, fmt.Errorf("error scanning ledger event: %w", err)
	}
	date, err := utils.ParseDate(dateStr)
	if err != nil {
		return LedgerRow{}, fmt.Errorf("corrupt event_date on ledger event %s: %w", row.ID, err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return LedgerRow{}, fmt.Errorf("corrupt amount on ledger event %s: %w", row.ID, err)
	}
	kind, err := models.ParseEventKind(kindStr)
	if err != nil {
		return LedgerRow{}, fmt.Errorf("corrupt kind on ledger event %s: %w", row.ID, err)
	}
	row.Date = date
	row.Amount = amount
	row.Kind = kind
	return row, nil
}

func (s *SQLStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	var e Entity
	var parent sql.NullString
	var levelStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, level, parent_id FROM entities WHERE id = ?`, id).
		Scan(&e.ID, &e.Name, &levelStr, &parent)
	if err == sql.ErrNoRows {
		return Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("error querying entity %s: %w", id, err)
	}
	level, err := models.ParseLevel(levelStr)
	if err != nil {
		return Entity{}, fmt.Errorf("corrupt level on entity %s: %w", id, err)
	}
	e.Level = level
	e.ParentID = parent.String
	return e, nil
}

func (s *SQLStore) Children(ctx context.Context, parentID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, level, parent_id FROM entities WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("error querying children of entity %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		var parent sql.NullString
		var levelStr string
		if err := rows.Scan(&e.ID, &e.Name, &levelStr, &parent); err != nil {
			return nil, fmt.Errorf("error scanning child entity: %w", err)
		}
		level, err := models.ParseLevel(levelStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt level on child of %s: %w", parentID, err)
		}
		e.Level = level
		e.ParentID = parent.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ancestors walks parent links from the entity to the root, nearest first.
func (s *SQLStore) Ancestors(ctx context.Context, entityID string) ([]Entity, error) {
	var out []Entity
	cur, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	for cur.ParentID != "" {
		parent, err := s.GetEntity(ctx, cur.ParentID)
		if err != nil {
			return nil, err
		}
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}

func (s *SQLStore) CreateEntity(ctx context.Context, e Entity) error {
	var parent interface{}
	if e.ParentID != "" {
		parent = e.ParentID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, name, level, parent_id) VALUES (?, ?, ?, ?)`,
		e.ID, e.Name, string(e.Level), parent)
	if err != nil {
		return fmt.Errorf("error inserting entity %s: %w", e.ID, err)
	}
	return nil
}

// InsertEvent persists a ledger row and invalidates every cached return the
// row contributes to. The write is not reported successful until the
// invalidation callback has run.
func (s *SQLStore) InsertEvent(ctx context.Context, row LedgerRow) error {
	entity, err := s.GetEntity(ctx, row.EntityID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledger_events (id, entity_id, event_date, amount, kind) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.EntityID, row.Date.Format(utils.DefaultDateFormat), row.Amount.String(), string(row.Kind))
	if err != nil {
		return fmt.Errorf("error inserting ledger event for entity %s: %w", row.EntityID, err)
	}
	if s.notifier != nil {
		s.notifier.Invalidate(entity.ID, entity.Level)
	}
	return nil
}

// DeleteEvent removes a ledger row, invalidating affected caches the same
// way an insert does.
func (s *SQLStore) DeleteEvent(ctx context.Context, eventID string) error {
	var entityID string
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id FROM ledger_events WHERE id = ?`, eventID).Scan(&entityID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return fmt.Errorf("error querying ledger event %s: %w", eventID, err)
	}
	entity, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_events WHERE id = ?`, eventID); err != nil {
		return fmt.Errorf("error deleting ledger event %s: %w", eventID, err)
	}
	if s.notifier != nil {
		s.notifier.Invalidate(entity.ID, entity.Level)
	}
	return nil
}

// SaveCacheEntry upserts one computed return. Stale entries are overwritten
// in place, never deleted.
func (s *SQLStore) SaveCacheEntry(ctx context.Context, entry models.CacheEntry) error {
	var rate interface{}
	if entry.Result.Rate.Valid {
		rate = entry.Result.Rate.Decimal.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (level, entity_id, as_of, rate, converged, reason, iterations, status, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(level, entity_id, as_of) DO UPDATE SET
			rate = excluded.rate,
			converged = excluded.converged,
			reason = excluded.reason,
			iterations = excluded.iterations,
			status = excluded.status,
			computed_at = excluded.computed_at`,
		string(entry.Key.Level), entry.Key.EntityID, entry.Key.AsOf.Format(utils.DefaultDateFormat),
		rate, entry.Result.Converged, string(entry.Result.Reason), entry.Result.Iterations,
		string(entry.Status), entry.ComputedAt)
	if err != nil {
		return fmt.Errorf("error saving cache entry %s: %w", entry.Key, err)
	}
	return nil
}

// LoadCacheEntries returns every persisted return, used to warm the
// in-memory cache on startup.
func (s *SQLStore) LoadCacheEntries(ctx context.Context) ([]models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, entity_id, as_of, rate, converged, reason, iterations, status, computed_at FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("error loading cache entries: %w", err)
	}
	defer rows.Close()

	var out []models.CacheEntry
	for rows.Next() {
		var entry models.CacheEntry
		var levelStr, asOfStr, statusStr string
		var rate, reason sql.NullString
		var computedAt sql.NullTime
		if err := rows.Scan(&levelStr, &entry.Key.EntityID, &asOfStr, &rate,
			&entry.Result.Converged, &reason, &entry.Result.Iterations, &statusStr, &computedAt); err != nil {
			return nil, fmt.Errorf("error scanning cache entry: %w", err)
		}
		level, err := models.ParseLevel(levelStr)
		if err != nil {
			logger.L.Warn("Skipping cache entry with corrupt level", "level", levelStr)
			continue
		}
		asOf, err := utils.ParseDate(asOfStr)
		if err != nil {
			logger.L.Warn("Skipping cache entry with corrupt as_of", "as_of", asOfStr)
			continue
		}
		entry.Key.Level = level
		entry.Key.AsOf = asOf
		entry.Status = models.CacheStatus(statusStr)
		entry.ComputedAt = computedAt.Time
		entry.Result.AsOfDate = asOf
		entry.Result.EntityID = entry.Key.EntityID
		entry.Result.Level = level
		entry.Result.Reason = models.ReasonCode(reason.String)
		if rate.Valid {
			d, err := decimal.NewFromString(rate.String)
			if err != nil {
				logger.L.Warn("Skipping cache entry with corrupt rate", "rate", rate.String)
				continue
			}
			entry.Result.Rate = decimal.NullDecimal{Decimal: d, Valid: true}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
