package dispatch

import (
	"encoding/json"
	"fmt"
)

// jsonRPCCall is the decoded shape of a single JSON-RPC call (spec §4.6).
type jsonRPCCall struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// addBackendRequest is the decoded shape of a control-API add-backend body.
type addBackendRequest struct {
	URL         string `json:"url"`
	WSURL       string `json:"ws_url"`
	ChainID     uint64 `json:"chain_id"`
	RPCLocation string `json:"rpc_location"`
}

// parsedRequest is the result of classifying an inbound body. Exactly one
// field is non-nil/non-empty.
type parsedRequest struct {
	call       *jsonRPCCall
	batch      []jsonRPCCall
	addBackend *addBackendRequest
	addBatch   []addBackendRequest
}

// parseRequest classifies raw per spec §4.6's body-parsing order:
// JsonRpcCall, JsonRpcBatch, AddBackend, AddBackendBatch. First shape match
// wins; an object is checked against the two object shapes, an array
// against the two array shapes.
func parseRequest(raw []byte) (parsedRequest, error) {
	var probe interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return parsedRequest{}, fmt.Errorf("invalid json: %w", err)
	}

	switch probe.(type) {
	case []interface{}:
		return parseArray(raw)
	case map[string]interface{}:
		return parseObject(raw)
	default:
		return parsedRequest{}, fmt.Errorf("unknown request type")
	}
}

func parseObject(raw []byte) (parsedRequest, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return parsedRequest{}, fmt.Errorf("invalid json: %w", err)
	}

	if hasKeys(fields, "jsonrpc", "method", "params", "id") {
		var call jsonRPCCall
		if err := json.Unmarshal(raw, &call); err == nil {
			return parsedRequest{call: &call}, nil
		}
	}
	if hasKeys(fields, "url", "ws_url", "chain_id", "rpc_location") {
		var add addBackendRequest
		if err := json.Unmarshal(raw, &add); err == nil {
			return parsedRequest{addBackend: &add}, nil
		}
	}
	return parsedRequest{}, fmt.Errorf("unknown request type")
}

func parseArray(raw []byte) (parsedRequest, error) {
	var items []map[string]interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return parsedRequest{}, fmt.Errorf("invalid json: %w", err)
	}
	if len(items) == 0 {
		return parsedRequest{}, fmt.Errorf("unknown request type")
	}

	if hasKeys(items[0], "jsonrpc", "method", "params", "id") {
		var batch []jsonRPCCall
		if err := json.Unmarshal(raw, &batch); err == nil {
			return parsedRequest{batch: batch}, nil
		}
	}
	if hasKeys(items[0], "url", "ws_url", "chain_id", "rpc_location") {
		var batch []addBackendRequest
		if err := json.Unmarshal(raw, &batch); err == nil {
			return parsedRequest{addBatch: batch}, nil
		}
	}
	return parsedRequest{}, fmt.Errorf("unknown request type")
}

func hasKeys(fields map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; !ok {
			return false
		}
	}
	return true
}
