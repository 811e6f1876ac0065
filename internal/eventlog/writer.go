package eventlog

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// recordWriter serialises batches of records into one output.
type recordWriter interface {
	Write(records []types.EventRecord) error
	Close() error
}

type writerConfig struct {
	path     string
	runID    string
	sources  []string
	metadata map[string]any
}

func openWriter(ft types.FileType, cfg writerConfig) (recordWriter, error) {
	switch ft {
	case types.FileTypeJSON:
		return newJSONWriter(cfg.path, false)
	case types.FileTypeJSONZstd:
		return newJSONWriter(cfg.path, true)
	case types.FileTypeCSV:
		return newCSVWriter(cfg.path, cfg.metadata)
	case types.FileTypeParquet:
		return newParquetWriter(cfg.path)
	case types.FileTypeSQLite:
		return newSQLiteWriter(cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFileType, ft)
}

// jsonWriter writes one JSON object per line, optionally zstd-compressed.
type jsonWriter struct {
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

func newJSONWriter(path string, compress bool) (*jsonWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	jw := &jsonWriter{f: f}
	if !compress {
		jw.w = bufio.NewWriterSize(f, 64*1024)
		return jw, nil
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	jw.enc = enc
	jw.w = bufio.NewWriterSize(enc, 128*1024)
	return jw, nil
}

func (w *jsonWriter) Write(records []types.EventRecord) error {
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := w.w.Write(b); err != nil {
			return err
		}
		if err := w.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

func (w *jsonWriter) Close() error {
	err := w.w.Flush()
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// csvHeader is the fixed column set; metadata columns follow, sorted.
var csvHeader = []string{"timestamp", "block_number", "tx_hash", "log_index", "source", "address", "topics", "data"}

type csvWriter struct {
	f        *os.File
	w        *csv.Writer
	metaKeys []string
}

func newCSVWriter(path string, metadata map[string]any) (*csvWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	cw := &csvWriter{f: f, w: csv.NewWriter(f), metaKeys: keys}
	if err := cw.w.Write(append(slices.Clone(csvHeader), keys...)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return cw, nil
}

func (w *csvWriter) Write(records []types.EventRecord) error {
	row := make([]string, len(csvHeader)+len(w.metaKeys))
	for _, r := range records {
		topics := make([]string, len(r.Event.Topics))
		for i, t := range r.Event.Topics {
			topics[i] = t.Hex()
		}
		row[0] = strconv.FormatUint(r.Timestamp, 10)
		row[1] = strconv.FormatUint(r.BlockNumber, 10)
		row[2] = r.TxHash.Hex()
		row[3] = strconv.FormatUint(uint64(r.LogIndex), 10)
		row[4] = r.Source
		row[5] = r.Event.Address.Hex()
		row[6] = strings.Join(topics, ";")
		row[7] = r.Event.Data.String()
		for i, k := range w.metaKeys {
			row[len(csvHeader)+i] = formatScalar(r.Metadata[k])
		}
		if err := w.w.Write(row); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

func formatScalar(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func (w *csvWriter) Close() error {
	w.w.Flush()
	err := w.w.Error()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
