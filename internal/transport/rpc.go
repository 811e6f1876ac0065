package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// RPCServiceName prefixes every JSON-RPC method, e.g. "sim.Start".
const RPCServiceName = "sim"

// JSON-RPC server error codes for the sentinel classes.
const (
	codeNotFound json2.ErrorCode = -32004
	codeConflict json2.ErrorCode = -32009
	codeTimeout  json2.ErrorCode = -32008
)

// NewRPCHandler serves the sim service over JSON-RPC 2.0.
func NewRPCHandler(api SimulatorAPI, submitTimeout time.Duration) http.Handler {
	server := rpc.NewServer()
	codec := json2.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	if err := server.RegisterService(&SimService{api: api, submitTimeout: submitTimeout}, RPCServiceName); err != nil {
		// Only reachable if SimService stops matching the gorilla method shape.
		panic(err)
	}
	return server
}

// SimService is the JSON-RPC API for managing environments.
type SimService struct {
	api           SimulatorAPI
	submitTimeout time.Duration
}

// LabelArgs names one environment.
type LabelArgs struct {
	Label string `json:"label"`
}

// StatusArgs selects one environment, or all of them when Label is empty.
type StatusArgs struct {
	Label string `json:"label,omitempty"`
}

// StatusReply lists environment summaries.
type StatusReply struct {
	Environments []types.EnvironmentStatus `json:"environments"`
}

// SubmitArgs is a transaction for the environment Label.
type SubmitArgs struct {
	Label string `json:"label"`
	types.SubmitRequest
}

// AddEnvironment creates an environment in Initialization.
func (s *SimService) AddEnvironment(_ *http.Request, args *types.AddEnvironmentRequest, reply *types.EnvironmentStatus) error {
	if err := validateLabel(args.Label); err != nil {
		return rpcError(err)
	}
	params := types.EnvironmentParameters{BlockRate: args.BlockRate, Seed: args.Seed}
	if err := s.api.AddEnvironment(args.Label, params); err != nil {
		return rpcError(err)
	}
	return s.status(args.Label, reply)
}

// Start moves an environment to Running.
func (s *SimService) Start(_ *http.Request, args *LabelArgs, reply *types.EnvironmentStatus) error {
	if err := s.api.StartEnvironment(args.Label); err != nil {
		return rpcError(err)
	}
	return s.status(args.Label, reply)
}

// Pause moves a running environment to Paused.
func (s *SimService) Pause(_ *http.Request, args *LabelArgs, reply *types.EnvironmentStatus) error {
	if err := s.api.PauseEnvironment(args.Label); err != nil {
		return rpcError(err)
	}
	return s.status(args.Label, reply)
}

// Stop moves an environment to Stopped.
func (s *SimService) Stop(_ *http.Request, args *LabelArgs, reply *types.EnvironmentStatus) error {
	if err := s.api.StopEnvironment(args.Label); err != nil {
		return rpcError(err)
	}
	return s.status(args.Label, reply)
}

// Status describes one environment, or all of them.
func (s *SimService) Status(_ *http.Request, args *StatusArgs, reply *StatusReply) error {
	if args.Label == "" {
		reply.Environments = s.api.List()
		return nil
	}
	st, err := s.api.Status(args.Label)
	if err != nil {
		return rpcError(err)
	}
	reply.Environments = []types.EnvironmentStatus{st}
	return nil
}

// Submit executes a transaction and returns its outcome.
func (s *SimService) Submit(r *http.Request, args *SubmitArgs, reply *types.ExecutionOutcome) error {
	tx, err := parseSubmit(args.SubmitRequest)
	if err != nil {
		return rpcError(err)
	}
	env, err := s.api.Environment(args.Label)
	if err != nil {
		return rpcError(err)
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.submitTimeout)
	defer cancel()
	out, err := env.Execute(ctx, tx)
	if err != nil {
		return rpcError(err)
	}
	*reply = out
	return nil
}

func (s *SimService) status(label string, reply *types.EnvironmentStatus) error {
	st, err := s.api.Status(label)
	if err != nil {
		return rpcError(err)
	}
	*reply = st
	return nil
}

// rpcError attaches a code matching the REST status of err.
func rpcError(err error) error {
	code := json2.E_SERVER
	switch statusFor(err) {
	case http.StatusNotFound:
		code = codeNotFound
	case http.StatusConflict:
		code = codeConflict
	case http.StatusBadRequest:
		code = json2.E_BAD_PARAMS
	case http.StatusGatewayTimeout:
		code = codeTimeout
	}
	return &json2.Error{Code: code, Message: err.Error()}
}
