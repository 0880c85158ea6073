package node

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/shineum/web3mail-go/internal/eip1193"
	"github.com/shineum/web3mail-go/internal/jsonrpc"
)

// maxRequestSize caps a JSON-RPC request body.
const maxRequestSize = 32 << 20

// HTTPHandler serves JSON-RPC 2.0 over HTTP POST. Batch requests are
// supported. When Token is set, requests must carry it as a bearer token.
type HTTPHandler struct {
	Dispatcher *Dispatcher
	Token      string
}

// NewHTTPHandler returns a handler for d.
func NewHTTPHandler(d *Dispatcher, token string) *HTTPHandler {
	return &HTTPHandler{Dispatcher: d, Token: token}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Token != "" && !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, jsonrpc.NewResponse(nil, nil, eip1193.NewRpcError(eip1193.StatusUnauthorized, nil)))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		h.serveBatch(w, r, trimmed)
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewResponse(nil, nil, jsonrpc.ParseError(err)))
		return
	}
	resp := h.Dispatcher.Serve(r.Context(), &req)
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) serveBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var reqs []jsonrpc.Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewResponse(nil, nil, jsonrpc.ParseError(err)))
		return
	}
	if len(reqs) == 0 {
		writeJSON(w, http.StatusOK, jsonrpc.NewResponse(nil, nil, jsonrpc.InvalidRequest("empty batch")))
		return
	}

	resps := make([]*eip1193.Response, 0, len(reqs))
	for i := range reqs {
		resp := h.Dispatcher.Serve(r.Context(), &reqs[i])
		if len(reqs[i].ID) > 0 {
			resps = append(resps, resp)
		}
	}
	if len(resps) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resps)
}

func (h *HTTPHandler) authorized(r *http.Request) bool {
	want := "Bearer " + h.Token
	got := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write JSON-RPC response", "error", err)
	}
}
