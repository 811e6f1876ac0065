package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical columns so one corrupt row does not fail a query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (or creates) the database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL keeps readers off the writer's back while a run is still appending.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		sources TEXT NOT NULL,
		metadata TEXT,
		records INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running'
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		block_number INTEGER NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index INTEGER NOT NULL,
		source TEXT NOT NULL,
		address TEXT NOT NULL,
		topics TEXT NOT NULL,
		data TEXT NOT NULL,
		metadata TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
	CREATE INDEX IF NOT EXISTS idx_events_tx ON events(tx_hash);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema; applied only when missing.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "error_message", "ALTER TABLE runs ADD COLUMN error_message TEXT"},
	}
	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				fmt.Fprintf(os.Stderr, "warning: migration failed for %s.%s: %v\n", m.table, m.column, err)
			}
		}
	}
	return nil
}

// columnExists checks if a column exists in a table. Identifiers are
// validated first since they are interpolated into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier allows only alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	sourcesJSON, err := json.Marshal(run.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	var metadata sql.NullString
	if len(run.Metadata) > 0 {
		b, err := json.Marshal(run.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = nullString(string(b))
	}
	status := run.Status
	if status == "" {
		status = RunStatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, sources, metadata, status)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, string(sourcesJSON), metadata, status)
	return err
}

// CompleteRun marks a run finished. A non-nil runErr marks it failed.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, records int64, runErr error) error {
	status := RunStatusCompleted
	var errMsg sql.NullString
	if runErr != nil {
		status = RunStatusFailed
		errMsg = nullString(runErr.Error())
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET completed_at = ?, records = ?, status = ?, error_message = ?
		WHERE id = ?
	`, time.Now(), records, status, errMsg, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// GetRun returns the run with id, or nil if there is none.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var sourcesJSON string
	var metadataJSON, errorMsg sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, sources, metadata, COALESCE(records, 0), status, error_message
		FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &run.StartedAt, &completedAt, &sourcesJSON, &metadataJSON,
		&run.Records, &run.Status, &errorMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	unmarshalJSON(sourcesJSON, &run.Sources, "sources", run.ID)
	if metadataJSON.Valid && metadataJSON.String != "" {
		unmarshalJSON(metadataJSON.String, &run.Metadata, "metadata", run.ID)
	}
	return &run, nil
}

// BulkInsertEvents appends events in a single transaction so a batch costs
// one fsync.
func (s *SQLiteStorage) BulkInsertEvents(ctx context.Context, runID string, events []types.EventRecord) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (run_id, timestamp, block_number, tx_hash, log_index, source, address, topics, data, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		topicsJSON, err := json.Marshal(ev.Event.Topics)
		if err != nil {
			return fmt.Errorf("failed to marshal topics: %w", err)
		}
		var metadata sql.NullString
		if len(ev.Metadata) > 0 {
			b, err := json.Marshal(ev.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata: %w", err)
			}
			metadata = nullString(string(b))
		}
		_, err = stmt.ExecContext(ctx, runID, int64(ev.Timestamp), int64(ev.BlockNumber),
			ev.TxHash.Hex(), int64(ev.LogIndex), ev.Source, ev.Event.Address.Hex(),
			string(topicsJSON), hexutil.Encode(ev.Event.Data), metadata)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const eventColumns = `timestamp, block_number, tx_hash, log_index, source, address, topics, data, metadata`

// GetEvents returns a page of the events of a run in insertion order.
func (s *SQLiteStorage) GetEvents(ctx context.Context, runID string, limit, offset int) (*PaginatedEvents, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE run_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanEvents(rows, runID)
	if err != nil {
		return nil, err
	}
	return &PaginatedEvents{Events: events, Total: total, Limit: limit, Offset: offset}, nil
}

// GetEventsByTx returns every stored event emitted by txHash, across runs.
func (s *SQLiteStorage) GetEventsByTx(ctx context.Context, txHash string) ([]types.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE tx_hash = ?
		ORDER BY id
	`, common.HexToHash(txHash).Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows, "")
}

func scanEvents(rows *sql.Rows, runID string) ([]types.EventRecord, error) {
	var events []types.EventRecord
	for rows.Next() {
		var (
			ev                          types.EventRecord
			timestamp, number, logIndex int64
			txHash, address             string
			topicsJSON, dataHex         string
			metadataJSON                sql.NullString
		)
		err := rows.Scan(&timestamp, &number, &txHash, &logIndex, &ev.Source,
			&address, &topicsJSON, &dataHex, &metadataJSON)
		if err != nil {
			return nil, err
		}

		ev.Timestamp = uint64(timestamp)
		ev.BlockNumber = uint64(number)
		ev.TxHash = common.HexToHash(txHash)
		ev.LogIndex = uint(logIndex)
		ev.Event.Address = common.HexToAddress(address)
		unmarshalJSON(topicsJSON, &ev.Event.Topics, "topics", runID)
		if ev.Event.Topics == nil {
			ev.Event.Topics = []common.Hash{}
		}
		data, err := hexutil.Decode(dataHex)
		if err != nil {
			return nil, fmt.Errorf("invalid data column: %w", err)
		}
		ev.Event.Data = data
		if metadataJSON.Valid && metadataJSON.String != "" {
			unmarshalJSON(metadataJSON.String, &ev.Metadata, "metadata", runID)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
