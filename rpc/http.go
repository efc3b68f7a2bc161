package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"

	"escrowd/core/state"
	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/native/token"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	authTokenEnv = "ESCROWD_RPC_TOKEN"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeEscrowNotFound  = -32022
	codeEscrowForbidden = -32023
	codeEscrowConflict  = -32024
)

// Server exposes the settlement operations and ledger queries over JSON-RPC.
// Mutating methods require the bearer token when one is configured.
type Server struct {
	engine *escrow.Engine
	ledger *token.Ledger
	state  *state.Manager
	logger *slog.Logger

	authToken string
}

func NewServer(engine *escrow.Engine, ledger *token.Ledger, st *state.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		ledger:    ledger,
		state:     st,
		logger:    logger,
		authToken: strings.TrimSpace(os.Getenv(authTokenEnv)),
	}
}

func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", slog.String("addr", addr))
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return http.ListenAndServe(addr, mux)
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeRPCError(w, nil, codeParseError, "unable to read request body")
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, codeParseError, "invalid JSON payload")
		return
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		writeRPCError(w, req.ID, codeInvalidRequest, "invalid JSON-RPC request")
		return
	}
	if mutatingMethod(req.Method) && !s.authorized(r) {
		writeRPCError(w, req.ID, codeUnauthorized, "missing or invalid bearer token")
		return
	}
	handler, ok := s.methods()[req.Method]
	if !ok {
		writeRPCError(w, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method))
		return
	}
	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		s.logger.Warn("rpc call rejected",
			slog.String("method", req.Method),
			slog.Int("code", rpcErr.Code),
			slog.String("reason", rpcErr.Message))
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeRPCResult(w, req.ID, result)
}

type methodFunc func(params []json.RawMessage) (interface{}, *rpcError)

func (s *Server) methods() map[string]methodFunc {
	return map[string]methodFunc{
		"escrow_tender":              s.handleTender,
		"escrow_tenderFromIssuance":  s.handleTenderFromIssuance,
		"escrow_purchase":            s.handlePurchase,
		"escrow_purchasePartial":     s.handlePurchasePartial,
		"escrow_cancel":              s.handleCancel,
		"escrow_burn":                s.handleBurn,
		"escrow_get":                 s.handleEscrowGet,
		"escrow_derive":              s.handleEscrowDerive,
		"token_createAsset":          s.handleCreateAsset,
		"token_createAccount":        s.handleCreateAccount,
		"token_issue":                s.handleIssue,
		"token_asset":                s.handleAssetGet,
		"token_account":              s.handleAccountGet,
		"native_credit":              s.handleNativeCredit,
		"native_balance":             s.handleNativeBalance,
	}
}

func mutatingMethod(method string) bool {
	switch method {
	case "escrow_get", "escrow_derive", "token_asset", "token_account", "native_balance":
		return false
	default:
		return true
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	supplied := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.authToken)) == 1
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: message}})
}

// --- shared param helpers ---

func decodeParams(params []json.RawMessage, dst interface{}) *rpcError {
	if len(params) != 1 {
		return &rpcError{Code: codeInvalidParams, Message: "expected a single params object"}
	}
	if err := json.Unmarshal(params[0], dst); err != nil {
		return &rpcError{Code: codeInvalidParams, Message: "malformed params object"}
	}
	return nil
}

func parseAddress(value, field string) ([20]byte, *rpcError) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid %s address", field)}
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseAmount(value, field string) (*big.Int, *rpcError) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("%s must not be empty", field)}
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid %s amount", field)}
	}
	return amount, nil
}

func escrowErrorToRPC(err error) *rpcError {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return &rpcError{Code: codeEscrowNotFound, Message: err.Error()}
	case errors.Is(err, escrow.ErrUnauthorized), errors.Is(err, escrow.ErrOwnerMismatch):
		return &rpcError{Code: codeEscrowForbidden, Message: err.Error()}
	case errors.Is(err, escrow.ErrDerivationMismatch),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInsufficientQuantity),
		errors.Is(err, escrow.ErrBalanceDivergence),
		errors.Is(err, token.ErrAssetMismatch):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrAccountExists),
		errors.Is(err, token.ErrAssetExists),
		errors.Is(err, token.ErrNonZeroBalance),
		errors.Is(err, state.ErrInsufficientNative):
		return &rpcError{Code: codeEscrowConflict, Message: err.Error()}
	case errors.Is(err, token.ErrAccountNotFound),
		errors.Is(err, token.ErrAssetNotFound):
		return &rpcError{Code: codeEscrowNotFound, Message: err.Error()}
	default:
		return &rpcError{Code: codeServerError, Message: err.Error()}
	}
}
