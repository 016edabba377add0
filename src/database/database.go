package database

import (
	"database/sql"
	stdlog "log"

	"github.com/username/clientfolio/backend/src/logger"
	_ "modernc.org/sqlite"
)

var DB *sql.DB

// Schema creates the tables the returns engine depends on: the entity
// hierarchy, the cash-flow ledger and the persisted return cache.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	level TEXT NOT NULL,
	parent_id TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY(parent_id) REFERENCES entities(id)
);

CREATE TABLE IF NOT EXISTS ledger_events (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	event_date TEXT NOT NULL,
	amount TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY(entity_id) REFERENCES entities(id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_events_entity_date
	ON ledger_events(entity_id, event_date);

CREATE TABLE IF NOT EXISTS cache_entries (
	level TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	as_of TEXT NOT NULL,
	rate TEXT,
	converged BOOLEAN NOT NULL DEFAULT FALSE,
	reason TEXT,
	iterations INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	computed_at TIMESTAMP,
	PRIMARY KEY(level, entity_id, as_of)
);
`

func InitDB(databasePath string) {
	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		stdlog.Fatalf("failed to open database at %s: %v", databasePath, err)
	}

	DB = db

	if logger.L != nil {
		logger.L.Info("Checking database migrations", "databasePath", databasePath)
	} else {
		stdlog.Println("Checking database migrations for:", databasePath)
	}
	migrateCacheEntriesTable()

	if _, err = DB.Exec(Schema); err != nil {
		if logger.L != nil {
			logger.L.Error("failed to create tables", "error", err)
		}
		stdlog.Fatalf("failed to create tables: %v", err)
	}
	if logger.L != nil {
		logger.L.Info("Database tables ensured/created.")
	} else {
		stdlog.Println("Database tables ensured/created.")
	}
}

// migrateCacheEntriesTable adds columns introduced after the first release of
// the cache_entries table to databases created before them.
func migrateCacheEntriesTable() {
	var tableName string
	err := DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='cache_entries'").Scan(&tableName)
	if err != nil {
		if err == sql.ErrNoRows {
			if logger.L != nil {
				logger.L.Info("'cache_entries' table does not exist, no migration needed as table will be created.")
			} else {
				stdlog.Println("'cache_entries' table does not exist, no migration needed as table will be created.")
			}
			return
		}
		if logger.L != nil {
			logger.L.Error("Error checking for 'cache_entries' table", "error", err)
		} else {
			stdlog.Printf("Error checking for 'cache_entries' table: %v", err)
		}
		return
	}

	rows, err := DB.Query("PRAGMA table_info(cache_entries)")
	if err != nil {
		if logger.L != nil {
			logger.L.Error("Error querying table schema for 'cache_entries'", "error", err)
		} else {
			stdlog.Printf("Error querying table schema for 'cache_entries': %v", err)
		}
		return
	}
	defer rows.Close()

	columnExists := make(map[string]bool)
	for rows.Next() {
		var cid, pk int
		var name, dataType string
		var notnullVal int
		var dfltValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notnullVal, &dfltValue, &pk); err != nil {
			if logger.L != nil {
				logger.L.Error("Error scanning column info for 'cache_entries'", "error", err)
			} else {
				stdlog.Printf("Error scanning column info for 'cache_entries': %v", err)
			}
			return
		}
		columnExists[name] = true
	}
	if err = rows.Err(); err != nil {
		if logger.L != nil {
			logger.L.Error("Error iterating over column info for 'cache_entries'", "error", err)
		} else {
			stdlog.Printf("Error iterating over column info for 'cache_entries': %v", err)
		}
		return
	}

	if _, ok := columnExists["reason"]; !ok {
		_, err := DB.Exec("ALTER TABLE cache_entries ADD COLUMN reason TEXT")
		if err != nil {
			logger.L.Error("Error adding 'reason' column to 'cache_entries' table", "error", err)
		} else {
			logger.L.Info("Added 'reason' column to 'cache_entries' table")
		}
	}
	if _, ok := columnExists["iterations"]; !ok {
		_, err := DB.Exec("ALTER TABLE cache_entries ADD COLUMN iterations INTEGER NOT NULL DEFAULT 0")
		if err != nil {
			logger.L.Error("Error adding 'iterations' column to 'cache_entries' table", "error", err)
		} else {
			logger.L.Info("Added 'iterations' column to 'cache_entries' table")
		}
	}
}
