package backend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/gateway-fm/evmsim/pkg/types"
)

const (
	DefaultChainID     = 31337
	DefaultGasLimit    = 30_000_000
	DefaultGenesisTime = 1_704_067_200
)

// Config holds EVM backend configuration.
type Config struct {
	ChainID     *big.Int
	Seed        uint64
	BlockRate   float64 // blocks per second, used to space block timestamps
	GenesisTime uint64
	GasLimit    uint64 // block gas limit reported to contracts
	Logger      *slog.Logger
}

// EVM is a go-ethereum backed Backend over an in-memory state database.
type EVM struct {
	logger      *slog.Logger
	chainConfig *params.ChainConfig
	db          state.Database
	statedb     *state.StateDB
	seed        uint64
	genesisTime uint64
	interval    uint64
	gasLimit    uint64

	number  uint64
	txIndex int
	gasUsed uint64
	logs    []types.LogRecord
	hashes  map[uint64]common.Hash
}

var _ Backend = (*EVM)(nil)

// NewEVM creates a backend at genesis with an empty world state.
func NewEVM(cfg Config) (*EVM, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(DefaultChainID)
	}
	if cfg.GenesisTime == 0 {
		cfg.GenesisTime = DefaultGenesisTime
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}

	db := state.NewDatabaseForTesting()
	statedb, err := state.New(gethtypes.EmptyRootHash, db)
	if err != nil {
		return nil, fmt.Errorf("open genesis state: %w", err)
	}

	return &EVM{
		logger:      cfg.Logger,
		chainConfig: chainConfig(cfg.ChainID),
		db:          db,
		statedb:     statedb,
		seed:        cfg.Seed,
		genesisTime: cfg.GenesisTime,
		interval:    blockInterval(cfg.BlockRate),
		gasLimit:    cfg.GasLimit,
		number:      1,
		hashes:      make(map[uint64]common.Hash),
	}, nil
}

// chainConfig enables every fork up to and including Shanghai from genesis.
func chainConfig(chainID *big.Int) *params.ChainConfig {
	zero := big.NewInt(0)
	shanghai := uint64(0)
	return &params.ChainConfig{
		ChainID:                 chainID,
		HomesteadBlock:          zero,
		EIP150Block:             zero,
		EIP155Block:             zero,
		EIP158Block:             zero,
		ByzantiumBlock:          zero,
		ConstantinopleBlock:     zero,
		PetersburgBlock:         zero,
		IstanbulBlock:           zero,
		BerlinBlock:             zero,
		LondonBlock:             zero,
		TerminalTotalDifficulty: zero,
		ShanghaiTime:            &shanghai,
	}
}

// blockInterval returns whole seconds between block timestamps.
func blockInterval(rate float64) uint64 {
	if rate <= 0 {
		return 1
	}
	secs := math.Round(1 / rate)
	if secs < 1 {
		return 1
	}
	return uint64(secs)
}

func (e *EVM) BlockNumber() uint64 {
	return e.number
}

func (e *EVM) blockTime(number uint64) uint64 {
	return e.genesisTime + number*e.interval
}

// random derives the PREVRANDAO value for a block from the seed.
func (e *EVM) random(number uint64) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], e.seed)
	binary.BigEndian.PutUint64(buf[8:], number)
	return crypto.Keccak256Hash(buf[:])
}

func (e *EVM) getHash(number uint64) common.Hash {
	return e.hashes[number]
}

func (e *EVM) blockContext() vm.BlockContext {
	random := e.random(e.number)
	return vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     e.getHash,
		Coinbase:    common.Address{},
		GasLimit:    e.gasLimit,
		BlockNumber: new(big.Int).SetUint64(e.number),
		Time:        e.blockTime(e.number),
		Difficulty:  new(big.Int),
		BaseFee:     new(big.Int),
		Random:      &random,
	}
}

type hashInput struct {
	Caller common.Address
	Nonce  uint64
	To     []byte
	Value  *big.Int
	Data   []byte
}

// txHash gives every request a stable identifier. Caller and nonce make it unique.
func txHash(req types.TxRequest, nonce uint64, value *big.Int) common.Hash {
	in := hashInput{Caller: req.Caller, Nonce: nonce, Value: value, Data: req.Data}
	if req.To != nil {
		in.To = req.To.Bytes()
	}
	enc, err := rlp.EncodeToBytes(&in)
	if err != nil {
		// Every field is rlp-encodable; reaching this is a bug.
		panic(fmt.Sprintf("encode tx hash input: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

func (e *EVM) message(req types.TxRequest, nonce uint64) *core.Message {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	price := req.GasPrice
	if price == nil {
		price = new(big.Int)
	}
	gas := req.GasLimit
	if gas == 0 {
		gas = e.gasLimit
	}
	return &core.Message{
		From:      req.Caller,
		To:        req.To,
		Nonce:     nonce,
		Value:     value,
		GasLimit:  gas,
		GasPrice:  price,
		GasFeeCap: price,
		GasTipCap: price,
		Data:      req.Data,
	}
}

func (e *EVM) Execute(req types.TxRequest) (types.ExecutionOutcome, error) {
	if err := ValidateRequest(req); err != nil {
		return types.ExecutionOutcome{}, err
	}
	return e.apply(req, false), nil
}

func (e *EVM) Deploy(caller common.Address, bytecode []byte, value *big.Int) (types.ExecutionOutcome, error) {
	return e.Execute(types.TxRequest{Caller: caller, Data: bytecode, Value: value})
}

func (e *EVM) Call(req types.TxRequest) (types.ExecutionOutcome, error) {
	if err := ValidateRequest(req); err != nil {
		return types.ExecutionOutcome{}, err
	}
	return e.apply(req, true), nil
}

// apply runs one message. When dryRun is set every change is rolled back.
func (e *EVM) apply(req types.TxRequest, dryRun bool) types.ExecutionOutcome {
	nonce := e.statedb.GetNonce(req.Caller)
	msg := e.message(req, nonce)
	hash := txHash(req, nonce, msg.Value)

	out := types.ExecutionOutcome{
		TxHash:      hash,
		BlockNumber: e.number,
		Logs:        []types.LogRecord{},
	}

	e.statedb.SetTxContext(hash, e.txIndex)
	evm := vm.NewEVM(e.blockContext(), e.statedb, e.chainConfig, vm.Config{NoBaseFee: true})
	gp := new(core.GasPool).AddGas(msg.GasLimit)

	snapshot := e.statedb.Snapshot()
	result, err := core.ApplyMessage(evm, msg, gp)
	if err != nil {
		// Rejected before execution: nothing about the world changes.
		e.statedb.RevertToSnapshot(snapshot)
		out.Error = err.Error()
		return out
	}

	out.Success = !result.Failed()
	out.GasUsed = result.UsedGas
	out.ReturnData = common.CopyBytes(result.ReturnData)
	if result.Err != nil {
		out.Error = result.Err.Error()
		if errors.Is(result.Err, vm.ErrExecutionReverted) {
			if reason, uerr := abi.UnpackRevert(result.Revert()); uerr == nil {
				out.RevertReason = reason
			}
		}
	}
	if msg.To == nil && out.Success {
		addr := crypto.CreateAddress(req.Caller, nonce)
		out.ContractAddress = &addr
	}

	if dryRun {
		e.statedb.RevertToSnapshot(snapshot)
		return out
	}

	out.Logs = e.txLogs(hash)
	e.statedb.Finalise(true)
	e.txIndex++
	e.gasUsed += result.UsedGas
	e.logs = append(e.logs, out.Logs...)

	e.logger.Debug("transaction applied",
		slog.String("hash", hash.Hex()),
		slog.Bool("success", out.Success),
		slog.Uint64("gas", out.GasUsed),
		slog.Int("logs", len(out.Logs)))
	return out
}

// txLogs returns the logs of one transaction in emission order.
func (e *EVM) txLogs(hash common.Hash) []types.LogRecord {
	var raw []*gethtypes.Log
	for _, l := range e.statedb.Logs() {
		if l.TxHash == hash {
			raw = append(raw, l)
		}
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].Index < raw[j].Index })

	logs := make([]types.LogRecord, 0, len(raw))
	for _, l := range raw {
		logs = append(logs, types.LogRecord{
			Address:     l.Address,
			Topics:      append([]common.Hash(nil), l.Topics...),
			Data:        common.CopyBytes(l.Data),
			BlockNumber: e.number,
			TxHash:      hash,
			TxIndex:     l.TxIndex,
			Index:       l.Index,
		})
	}
	return logs
}

func (e *EVM) DeployAt(addr common.Address, code []byte) error {
	if len(code) == 0 {
		return ErrEmptyBytecode
	}
	e.statedb.SetCode(addr, code, tracing.CodeChangeUnspecified)
	e.statedb.Finalise(true)
	return nil
}

func (e *EVM) SetBalance(addr common.Address, amount *big.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrInvalidValue)
	}
	if err := checkValue(amount); err != nil {
		return err
	}
	bal, _ := uint256.FromBig(amount)
	e.statedb.SetBalance(addr, bal, tracing.BalanceChangeUnspecified)
	e.statedb.Finalise(true)
	return nil
}

func (e *EVM) Account(addr common.Address) types.AccountInfo {
	return types.AccountInfo{
		Address:  addr,
		Balance:  e.statedb.GetBalance(addr).ToBig(),
		Nonce:    e.statedb.GetNonce(addr),
		CodeHash: e.statedb.GetCodeHash(addr),
		CodeSize: e.statedb.GetCodeSize(addr),
	}
}

func (e *EVM) Seal() (types.Block, error) {
	root, err := e.statedb.Commit(e.number, true, false)
	if err != nil {
		return types.Block{}, fmt.Errorf("commit block %d: %w", e.number, err)
	}
	statedb, err := state.New(root, e.db)
	if err != nil {
		return types.Block{}, fmt.Errorf("reopen state at %s: %w", root.Hex(), err)
	}

	block := types.Block{
		Number:       e.number,
		Time:         e.blockTime(e.number),
		Root:         root,
		Transactions: e.txIndex,
		GasUsed:      e.gasUsed,
		Logs:         e.logs,
	}
	if block.Logs == nil {
		block.Logs = []types.LogRecord{}
	}

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], e.number)
	e.hashes[e.number] = crypto.Keccak256Hash(num[:], root.Bytes())

	e.statedb = statedb
	e.number++
	e.txIndex = 0
	e.gasUsed = 0
	e.logs = nil

	e.logger.Debug("block sealed",
		slog.Uint64("number", block.Number),
		slog.String("root", root.Hex()),
		slog.Int("txs", block.Transactions),
		slog.Int("logs", len(block.Logs)))
	return block, nil
}
