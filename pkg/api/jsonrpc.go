// Package api exposes the settlement core over JSON-RPC 2.0.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/dexlynlabs/perpcore/pkg/perp"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against one Exchange.
type JSONRPCServer struct {
	exchange *perp.Exchange
	logger   log.Logger
}

// NewJSONRPCServer creates the RPC front end.
func NewJSONRPCServer(exchange *perp.Exchange, logger log.Logger) *JSONRPCServer {
	if logger == nil {
		logger = log.Root().New("module", "api")
	}
	return &JSONRPCServer{exchange: exchange, logger: logger}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Amount is a uint64 that also accepts JSON string encoding, parsed with
// arbitrary-precision decimals so large collateral values survive clients
// that cannot express full 64-bit integers.
type Amount uint64

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	if d.IsNegative() || !d.IsInteger() {
		return fmt.Errorf("amount must be a non-negative integer: %s", d)
	}
	bi := d.BigInt()
	if !bi.IsUint64() {
		return fmt.Errorf("amount out of range: %s", d)
	}
	*a = Amount(bi.Uint64())
	return nil
}

// ServeHTTP implements http.Handler.
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(w, req.ID, InternalError, err.Error())
		}
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Trading methods
	case "perp_placeOrder":
		return s.placeOrder(params)
	case "perp_cancelOrder":
		return s.cancelOrder(params)
	case "perp_updateTpsl":
		return s.updateTpsl(params)

	// Query methods
	case "perp_getMarket":
		return s.getMarket(params)
	case "perp_getOrder":
		return s.getOrder(params)
	case "perp_getPosition":
		return s.getPosition(params)
	case "perp_getUserOrders":
		return s.getUserOrders(params)
	case "perp_getUserPositions":
		return s.getUserPositions(params)

	case "perp_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

type marketParams struct {
	Pair       string `json:"pair"`
	Collateral string `json:"collateral"`
}

func (p marketParams) key() perp.MarketKey {
	return perp.MarketKey{Pair: p.Pair, Collateral: p.Collateral}
}

type placeOrderParams struct {
	marketParams
	Caller          string `json:"caller"`
	User            string `json:"user"`
	SizeDelta       Amount `json:"sizeDelta"`
	CollateralDelta Amount `json:"collateralDelta"`
	Price           Amount `json:"price"`
	IsLong          bool   `json:"isLong"`
	IsIncrease      bool   `json:"isIncrease"`
	IsMarket        bool   `json:"isMarket"`
	CanExecuteAbove bool   `json:"canExecuteAbove"`
	StopLossPrice   Amount `json:"stopLossPrice"`
	TakeProfitPrice Amount `json:"takeProfitPrice"`
}

func (s *JSONRPCServer) placeOrder(params json.RawMessage) (interface{}, error) {
	var p placeOrderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if p.Caller == "" {
		p.Caller = p.User
	}
	id, err := s.exchange.PlaceOrder(p.Caller, p.User, p.key(), perp.OrderRequest{
		SizeDelta:       uint64(p.SizeDelta),
		CollateralDelta: uint64(p.CollateralDelta),
		Price:           uint64(p.Price),
		IsLong:          p.IsLong,
		IsIncrease:      p.IsIncrease,
		IsMarket:        p.IsMarket,
		CanExecuteAbove: p.CanExecuteAbove,
		StopLossPrice:   uint64(p.StopLossPrice),
		TakeProfitPrice: uint64(p.TakeProfitPrice),
	})
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return map[string]interface{}{"orderId": id}, nil
}

type cancelOrderParams struct {
	marketParams
	Caller  string `json:"caller"`
	User    string `json:"user"`
	OrderID uint64 `json:"orderId"`
}

func (s *JSONRPCServer) cancelOrder(params json.RawMessage) (interface{}, error) {
	var p cancelOrderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if p.Caller == "" {
		p.Caller = p.User
	}
	if err := s.exchange.CancelOrder(p.Caller, p.User, p.key(), p.OrderID); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return map[string]interface{}{"cancelled": true}, nil
}

type updateTpslParams struct {
	marketParams
	Caller          string `json:"caller"`
	User            string `json:"user"`
	IsLong          bool   `json:"isLong"`
	TakeProfitPrice Amount `json:"takeProfitPrice"`
	StopLossPrice   Amount `json:"stopLossPrice"`
}

func (s *JSONRPCServer) updateTpsl(params json.RawMessage) (interface{}, error) {
	var p updateTpslParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if p.Caller == "" {
		p.Caller = p.User
	}
	err := s.exchange.UpdatePositionTPSL(p.Caller, p.User, p.key(), p.IsLong,
		uint64(p.TakeProfitPrice), uint64(p.StopLossPrice))
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return map[string]interface{}{"updated": true}, nil
}

func (s *JSONRPCServer) getMarket(params json.RawMessage) (interface{}, error) {
	var p marketParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	info, err := s.exchange.Market(p.key())
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return info, nil
}

type getOrderParams struct {
	marketParams
	OrderID uint64 `json:"orderId"`
}

func (s *JSONRPCServer) getOrder(params json.RawMessage) (interface{}, error) {
	var p getOrderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	o, err := s.exchange.Order(p.key(), p.OrderID)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return o, nil
}

type getPositionParams struct {
	marketParams
	User   string `json:"user"`
	IsLong bool   `json:"isLong"`
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p getPositionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	pos, err := s.exchange.Position(p.key(), p.User, p.IsLong)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return pos, nil
}

type userParams struct {
	User string `json:"user"`
}

func (s *JSONRPCServer) getUserOrders(params json.RawMessage) (interface{}, error) {
	var p userParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return s.exchange.UserOrders(p.User), nil
}

func (s *JSONRPCServer) getUserPositions(params json.RawMessage) (interface{}, error) {
	var p userParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return s.exchange.UserPositions(p.User), nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
