package transport

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/evmsim/internal/storage"
	"github.com/gateway-fm/evmsim/pkg/types"
)

// errRunNotFound is returned when no stored run matches the requested id.
var errRunNotFound = errors.New("run not found")

// WithDataDir serves the SQLite event logs under dir at /v1/runs. A run's id
// is the basename its event logger wrote, so run "demo" lives in dir/demo.db.
func WithDataDir(dir string) Option {
	return func(s *Server) { s.dataDir = dir }
}

// openRun opens the database holding run id. The caller closes it.
func (s *Server) openRun(id string) (*storage.SQLiteStorage, error) {
	if err := validateLabel(id); err != nil {
		return nil, err
	}
	if s.dataDir == "" {
		return nil, errRunNotFound
	}
	path := filepath.Join(s.dataDir, id+types.FileTypeSQLite.Extension())
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errRunNotFound
		}
		return nil, err
	}
	return storage.NewSQLiteStorage(path)
}

// handleRun handles GET /v1/runs/{id}.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	store, err := s.openRun(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer store.Close()

	run, err := store.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if run == nil {
		s.writeError(w, errRunNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleRunEvents handles GET /v1/runs/{id}/events with limit and offset.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100 // default
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	id := r.PathValue("id")
	store, err := s.openRun(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer store.Close()

	page, err := store.GetEvents(r.Context(), id, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if page.Events == nil {
		page.Events = []types.EventRecord{}
	}
	s.writeJSON(w, http.StatusOK, page)
}

// handleRunTransaction handles GET /v1/runs/{id}/transactions/{hash}.
func (s *Server) handleRunTransaction(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if b, err := hexutil.Decode(hash); err != nil || len(b) != 32 {
		s.writeError(w, badRequest("invalid transaction hash "+hash))
		return
	}

	store, err := s.openRun(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer store.Close()

	events, err := store.GetEventsByTx(r.Context(), hash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []types.EventRecord{}
	}
	s.writeJSON(w, http.StatusOK, events)
}
