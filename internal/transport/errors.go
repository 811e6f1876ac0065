package transport

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/gateway-fm/evmsim/internal/backend"
	"github.com/gateway-fm/evmsim/internal/environment"
	"github.com/gateway-fm/evmsim/internal/manager"
	"github.com/gateway-fm/evmsim/pkg/types"
)

// errBadRequest marks malformed input detected by the handlers themselves.
var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", errBadRequest, msg)
}

// statusFor maps sentinel errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrNotFound),
		errors.Is(err, errRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrDuplicateLabel),
		errors.Is(err, manager.ErrDuplicateAgent),
		errors.Is(err, manager.ErrNotStopped),
		errors.Is(err, environment.ErrInvalidTransition),
		errors.Is(err, environment.ErrEnvironmentStopped):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, environment.ErrInvalidParameters),
		errors.Is(err, backend.ErrInvalidAddress),
		errors.Is(err, backend.ErrInvalidValue),
		errors.Is(err, backend.ErrEmptyBytecode):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", backend.ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount accepts decimal or 0x-prefixed hex. Empty is zero.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := math.ParseBig256(s)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", backend.ErrInvalidValue, s)
	}
	return v, nil
}

// parseSubmit converts a wire request into a TxRequest. An empty To deploys
// Data as init code.
func parseSubmit(req types.SubmitRequest) (types.TxRequest, error) {
	from, err := parseAddress(req.From)
	if err != nil {
		return types.TxRequest{}, fmt.Errorf("from: %w", err)
	}
	tx := types.TxRequest{
		Caller:   from,
		GasLimit: req.GasLimit,
		GasPrice: new(big.Int),
	}
	if tx.GasLimit == 0 {
		tx.GasLimit = backend.DefaultGasLimit
	}
	if req.To != "" {
		to, err := parseAddress(req.To)
		if err != nil {
			return types.TxRequest{}, fmt.Errorf("to: %w", err)
		}
		tx.To = &to
	}
	if req.Data != "" {
		data, err := hexutil.Decode(req.Data)
		if err != nil {
			return types.TxRequest{}, badRequest("data: " + err.Error())
		}
		tx.Data = data
	}
	if tx.Value, err = parseAmount(req.Value); err != nil {
		return types.TxRequest{}, fmt.Errorf("value: %w", err)
	}
	return tx, nil
}

func parseDeal(req types.DealRequest) (common.Address, *big.Int, error) {
	addr, err := parseAddress(req.Address)
	if err != nil {
		return common.Address{}, nil, err
	}
	if req.Amount == "" {
		return common.Address{}, nil, badRequest("amount is required")
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, amount, nil
}
