package chain

import (
	"errors"
	"fmt"
)

// Transient failure classes. Only these are retried.
var (
	ErrRateLimited    = errors.New("rpc rate limited")
	ErrConnectTimeout = errors.New("rpc connect timeout")
)

var (
	// ErrAccountNotFound is returned when an address holds no account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrReferenceNotFound means no confirmed transaction mentions the key yet.
	ErrReferenceNotFound = errors.New("no confirmed transaction references the key")
	// ErrConfirmTimeout means a submitted transaction was not seen confirmed in time.
	ErrConfirmTimeout = errors.New("transaction confirmation timed out")
)

// IsTransient reports whether err belongs to a retryable class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnectTimeout)
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// Is lets a node-side 429 count as ErrRateLimited.
func (e *RPCError) Is(target error) bool {
	return target == ErrRateLimited && e.Code == 429
}

// HTTPStatusError is a non-200 reply from the RPC endpoint.
type HTTPStatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("rpc %s: http status %d: %s", e.Method, e.StatusCode, e.Body)
}

func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == 429
}

// RetryError is returned once the attempt ceiling is reached.
type RetryError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Label, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// TransactionError is an on-chain execution failure of a submitted transaction.
type TransactionError struct {
	Signature string
	Err       any
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Signature, e.Err)
}
