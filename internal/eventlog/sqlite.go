package eventlog

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/gateway-fm/evmsim/internal/storage"
	"github.com/gateway-fm/evmsim/pkg/types"
)

// sqliteWriter appends records to the events table of a fresh database.
type sqliteWriter struct {
	store   *storage.SQLiteStorage
	runID   string
	records int64
}

func newSQLiteWriter(cfg writerConfig) (*sqliteWriter, error) {
	// Start from an empty file like the other formats do.
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(cfg.path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	store, err := storage.NewSQLiteStorage(cfg.path)
	if err != nil {
		return nil, err
	}
	run := &storage.Run{
		ID:        cfg.runID,
		StartedAt: time.Now(),
		Sources:   cfg.sources,
		Metadata:  cfg.metadata,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &sqliteWriter{store: store, runID: cfg.runID}, nil
}

func (w *sqliteWriter) Write(records []types.EventRecord) error {
	if err := w.store.BulkInsertEvents(context.Background(), w.runID, records); err != nil {
		return err
	}
	w.records += int64(len(records))
	return nil
}

func (w *sqliteWriter) Close() error {
	err := w.store.CompleteRun(context.Background(), w.runID, w.records, nil)
	if cerr := w.store.Close(); err == nil {
		err = cerr
	}
	return err
}
