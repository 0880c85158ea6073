package eip1193

import (
	"errors"
	"fmt"
)

// StatusCode is a standardized provider error status.
type StatusCode struct {
	Code        int
	Name        string
	Description string
}

// Provider defined errors.
var (
	StatusUserRejectedRequest = StatusCode{
		Code:        4001,
		Name:        "User Rejected Request",
		Description: "The user rejected the request.",
	}
	StatusUnauthorized = StatusCode{
		Code:        4100,
		Name:        "Unauthorized",
		Description: "The requested method and/or account has not been authorized by the user.",
	}
	StatusUnsupportedMethod = StatusCode{
		Code:        4200,
		Name:        "Unsupported Method",
		Description: "The Provider does not support the requested method.",
	}
	StatusDisconnected = StatusCode{
		Code:        4900,
		Name:        "Disconnected",
		Description: "The Provider is disconnected from all chains.",
	}
	StatusChainDisconnected = StatusCode{
		Code:        4901,
		Name:        "Chain Disconnected",
		Description: "The Provider is not connected to the requested chain.",
	}
)

var statusTable = map[int]StatusCode{
	StatusUserRejectedRequest.Code: StatusUserRejectedRequest,
	StatusUnauthorized.Code:        StatusUnauthorized,
	StatusUnsupportedMethod.Code:   StatusUnsupportedMethod,
	StatusDisconnected.Code:        StatusDisconnected,
	StatusChainDisconnected.Code:   StatusChainDisconnected,
}

// LookupStatus returns the standard status entry for code.
func LookupStatus(code int) (StatusCode, bool) {
	s, ok := statusTable[code]
	return s, ok
}

// Statuses returns the five standard status entries ordered by code.
func Statuses() []StatusCode {
	return []StatusCode{
		StatusUserRejectedRequest,
		StatusUnauthorized,
		StatusUnsupportedMethod,
		StatusDisconnected,
		StatusChainDisconnected,
	}
}

// ProviderRpcError is the error value a provider reports for a failed request.
// It doubles as the JSON-RPC error object on the wire.
type ProviderRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewRpcError builds a ProviderRpcError from a standard status.
func NewRpcError(status StatusCode, data any) *ProviderRpcError {
	return &ProviderRpcError{
		Code:    status.Code,
		Message: status.Description,
		Data:    data,
	}
}

func (e *ProviderRpcError) Error() string {
	if s, ok := LookupStatus(e.Code); ok {
		if e.Message == "" || e.Message == s.Description {
			return fmt.Sprintf("provider error %d (%s): %s", e.Code, s.Name, s.Description)
		}
		return fmt.Sprintf("provider error %d (%s): %s", e.Code, s.Name, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// Status returns the standard status this error conforms to, if any.
func (e *ProviderRpcError) Status() (StatusCode, bool) {
	return LookupStatus(e.Code)
}

// IsStatus reports whether err is, or wraps, a ProviderRpcError carrying the
// given status code.
func IsStatus(err error, status StatusCode) bool {
	var rpcErr *ProviderRpcError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == status.Code
}
