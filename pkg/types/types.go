// Package types contains public API types for the simulator.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// State is the lifecycle state of an environment.
type State int32

const (
	StateInitialization State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialization:
		return "initialization"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "initialization":
		*s = StateInitialization
	case "running":
		*s = StateRunning
	case "paused":
		*s = StatePaused
	case "stopped":
		*s = StateStopped
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

// EnvironmentParameters configure a single environment.
type EnvironmentParameters struct {
	// BlockRate is blocks per second. Zero seals a block after every transaction.
	BlockRate float64 `json:"blockRate" yaml:"block_rate"`
	Seed      uint64  `json:"seed" yaml:"seed"`
}

// TxRequest is a transaction waiting to be applied. A nil To deploys Data as init code.
type TxRequest struct {
	Caller   common.Address  `json:"caller"`
	To       *common.Address `json:"to,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
	Value    *big.Int        `json:"value,omitempty"`
	GasLimit uint64          `json:"gasLimit,omitempty"`
	GasPrice *big.Int        `json:"gasPrice,omitempty"`
}

// IsDeploy reports whether the request creates a contract.
func (r TxRequest) IsDeploy() bool {
	return r.To == nil
}

// LogRecord is one event emitted by a committed transaction.
type LogRecord struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber uint64         `json:"blockNumber"`
	TxHash      common.Hash    `json:"txHash"`
	TxIndex     uint           `json:"txIndex"`
	Index       uint           `json:"logIndex"`
}

// ExecutionOutcome is the result of applying one TxRequest.
// Failed executions are reported here, not as Go errors.
type ExecutionOutcome struct {
	TxHash          common.Hash     `json:"txHash"`
	BlockNumber     uint64          `json:"blockNumber"`
	Success         bool            `json:"success"`
	ReturnData      hexutil.Bytes   `json:"returnData,omitempty"`
	Logs            []LogRecord     `json:"logs"`
	GasUsed         uint64          `json:"gasUsed"`
	ContractAddress *common.Address `json:"contractAddress,omitempty"`
	Error           string          `json:"error,omitempty"`
	RevertReason    string          `json:"revertReason,omitempty"`
}

// Block is the batch broadcast to subscribers when a block is sealed.
type Block struct {
	Number       uint64      `json:"number"`
	Time         uint64      `json:"time"`
	Root         common.Hash `json:"root"`
	Transactions int         `json:"transactions"`
	GasUsed      uint64      `json:"gasUsed"`
	Logs         []LogRecord `json:"logs"`
}

// AccountInfo is the backend view of one account.
type AccountInfo struct {
	Address  common.Address `json:"address"`
	Balance  *big.Int       `json:"balance"`
	Nonce    uint64         `json:"nonce"`
	CodeHash common.Hash    `json:"codeHash"`
	CodeSize int            `json:"codeSize"`
}

// FileType selects an event log output format.
type FileType string

const (
	FileTypeJSON     FileType = "json"
	FileTypeCSV      FileType = "csv"
	FileTypeParquet  FileType = "parquet"
	FileTypeSQLite   FileType = "sqlite"
	FileTypeJSONZstd FileType = "jsonzst"
)

// Extension returns the file suffix for the format, including the dot.
func (f FileType) Extension() string {
	switch f {
	case FileTypeJSON:
		return ".json"
	case FileTypeCSV:
		return ".csv"
	case FileTypeParquet:
		return ".parquet"
	case FileTypeSQLite:
		return ".db"
	case FileTypeJSONZstd:
		return ".json.zst"
	default:
		return ""
	}
}

// Valid reports whether f is a known format.
func (f FileType) Valid() bool {
	return f.Extension() != ""
}

// EventRecord is one captured log together with its source label and metadata.
type EventRecord struct {
	Timestamp   uint64         `json:"timestamp"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      common.Hash    `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
	Source      string         `json:"source"`
	Event       EventPayload   `json:"event"`
	Metadata    map[string]any `json:"-"`
}

// ReservedFields are the record keys metadata may not use.
var ReservedFields = []string{"timestamp", "block_number", "tx_hash", "log_index", "source", "event"}

// IsReservedField reports whether key is one of ReservedFields.
func IsReservedField(key string) bool {
	for _, f := range ReservedFields {
		if f == key {
			return true
		}
	}
	return false
}

// MarshalJSON flattens Metadata into the top-level object.
func (r EventRecord) MarshalJSON() ([]byte, error) {
	type plain EventRecord
	base, err := json.Marshal(plain(r))
	if err != nil || len(r.Metadata) == 0 {
		return base, err
	}
	fields := make(map[string]json.RawMessage, len(ReservedFields)+len(r.Metadata))
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range r.Metadata {
		if IsReservedField(k) {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		fields[k] = b
	}
	return json.Marshal(fields)
}

// UnmarshalJSON collects every non-reserved key into Metadata. Numbers are
// kept as json.Number.
func (r *EventRecord) UnmarshalJSON(data []byte) error {
	type plain EventRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for k, raw := range fields {
		if IsReservedField(k) {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("metadata %q: %w", k, err)
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]any)
		}
		p.Metadata[k] = v
	}
	*r = EventRecord(p)
	return nil
}

// EventPayload is the emitter-level content of a log.
type EventPayload struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// AgentInfo describes an agent activated in an environment.
type AgentInfo struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
	Kind    string         `json:"kind"`
}

// EnvironmentStatus is the externally visible summary of an environment.
type EnvironmentStatus struct {
	Label       string                `json:"label"`
	State       State                 `json:"state"`
	Parameters  EnvironmentParameters `json:"parameters"`
	BlockNumber uint64                `json:"blockNumber"`
	QueueDepth  int                   `json:"queueDepth"`
	Agents      []AgentInfo           `json:"agents,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// AddEnvironmentRequest is the body of POST /v1/environments.
type AddEnvironmentRequest struct {
	Label     string  `json:"label"`
	BlockRate float64 `json:"blockRate"`
	Seed      uint64  `json:"seed"`
}

// SubmitRequest is the body of POST /v1/environments/{label}/transactions.
type SubmitRequest struct {
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
	Data     string `json:"data,omitempty"`
	Value    string `json:"value,omitempty"`
	GasLimit uint64 `json:"gasLimit,omitempty"`
}

// DealRequest is the body of POST /v1/environments/{label}/deal.
type DealRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}
