package eventlog

import (
	"encoding/json"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// parquetRow is the columnar layout. Metadata is a JSON object string so
// the schema does not depend on the metadata keys.
type parquetRow struct {
	Timestamp   uint64   `parquet:"timestamp"`
	BlockNumber uint64   `parquet:"block_number"`
	TxHash      string   `parquet:"tx_hash"`
	LogIndex    uint64   `parquet:"log_index"`
	Source      string   `parquet:"source"`
	Address     string   `parquet:"address"`
	Topics      []string `parquet:"topics"`
	Data        string   `parquet:"data"`
	Metadata    string   `parquet:"metadata"`
}

type parquetWriter struct {
	f *os.File
	w *parquet.GenericWriter[parquetRow]
}

func newParquetWriter(path string) (*parquetWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &parquetWriter{f: f, w: parquet.NewGenericWriter[parquetRow](f)}, nil
}

func toParquet(r types.EventRecord) (parquetRow, error) {
	row := parquetRow{
		Timestamp:   r.Timestamp,
		BlockNumber: r.BlockNumber,
		TxHash:      r.TxHash.Hex(),
		LogIndex:    uint64(r.LogIndex),
		Source:      r.Source,
		Address:     r.Event.Address.Hex(),
		Topics:      make([]string, len(r.Event.Topics)),
		Data:        r.Event.Data.String(),
	}
	for i, t := range r.Event.Topics {
		row.Topics[i] = t.Hex()
	}
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return parquetRow{}, err
		}
		row.Metadata = string(b)
	}
	return row, nil
}

func (w *parquetWriter) Write(records []types.EventRecord) error {
	rows := make([]parquetRow, 0, len(records))
	for _, r := range records {
		row, err := toParquet(r)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	_, err := w.w.Write(rows)
	return err
}

func (w *parquetWriter) Close() error {
	err := w.w.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
