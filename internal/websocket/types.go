// internal/websocket/types.go
package websocket

import "encoding/json"

// Message kinds.
const (
	KindRequest  = "rpc_request"
	KindResponse = "rpc_response"
	KindEvent    = "event"
)

// RPCRequest is a call from the UI to a bindings method.
type RPCRequest struct {
	ID     string            `json:"id"`
	Method string            `json:"method"` // e.g. "Replace"
	Params []json.RawMessage `json:"params"`
}

// RPCResponse answers one RPCRequest.
type RPCResponse struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// WSEvent is pushed by the backend without a request.
type WSEvent struct {
	Type    string      `json:"type"` // e.g. "cells:edited"
	Payload interface{} `json:"payload"`
}

// WSMessage is the envelope for everything on the socket.
type WSMessage struct {
	Kind     string       `json:"kind"`
	Request  *RPCRequest  `json:"request,omitempty"`
	Response *RPCResponse `json:"response,omitempty"`
	Event    *WSEvent     `json:"event,omitempty"`
}
