package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/standardbeagle/lazytree/internal/types"
)

// Error types for the tree engine
type ErrorType string

const (
	// Fetch errors
	ErrorTypeFetch     ErrorType = "fetch"
	ErrorTypeAncestors ErrorType = "ancestors"

	// Lookup errors
	ErrorTypeNotFound ErrorType = "not_found"
	ErrorTypeStale    ErrorType = "stale_response"

	// Configuration errors
	ErrorTypeConfig ErrorType = "config"

	// Snapshot store errors
	ErrorTypeCache ErrorType = "cache"
)

// ErrNotFound is wrapped by fetch collaborators to report that a remote
// entity no longer exists.
var ErrNotFound = errors.New("entity not found")

// FetchError represents a failed page or ancestor fetch
type FetchError struct {
	Type       ErrorType
	NodeID     types.NodeID
	Page       int
	Token      uint64
	Operation  string
	Underlying error
	Timestamp  time.Time
}

// NewFetchError creates a new fetch error for a parent node
func NewFetchError(op string, nodeID types.NodeID, err error) *FetchError {
	return &FetchError{
		Type:       ErrorTypeFetch,
		NodeID:     nodeID,
		Operation:  op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// NewAncestorsError creates a fetch error for an ancestor chain lookup
func NewAncestorsError(nodeID types.NodeID, err error) *FetchError {
	return &FetchError{
		Type:       ErrorTypeAncestors,
		NodeID:     nodeID,
		Operation:  "lookup",
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// WithPage adds the requested page and token to the error
func (e *FetchError) WithPage(page int, token uint64) *FetchError {
	e.Page = page
	e.Token = token
	return e
}

// Error implements the error interface
func (e *FetchError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("%s %s failed for node %s page %d: %v", e.Type, e.Operation, e.NodeID, e.Page, e.Underlying)
	}
	return fmt.Sprintf("%s %s failed for node %s: %v", e.Type, e.Operation, e.NodeID, e.Underlying)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *FetchError) Unwrap() error {
	return e.Underlying
}

// NotFoundError reports a node that is absent from the forest or from the
// remote listing
type NotFoundError struct {
	Type      ErrorType
	NodeID    types.NodeID
	Chain     []types.NodeID
	Operation string
	Reason    string
	Timestamp time.Time
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(op string, nodeID types.NodeID) *NotFoundError {
	return &NotFoundError{
		Type:      ErrorTypeNotFound,
		NodeID:    nodeID,
		Operation: op,
		Timestamp: time.Now(),
	}
}

// WithChain records the ancestor chain that was being walked
func (e *NotFoundError) WithChain(chain []types.NodeID) *NotFoundError {
	e.Chain = append([]types.NodeID(nil), chain...)
	return e
}

// WithReason adds a short explanation
func (e *NotFoundError) WithReason(reason string) *NotFoundError {
	e.Reason = reason
	return e
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s: node %s not found", e.Operation, e.NodeID)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if len(e.Chain) > 0 {
		parts := make([]string, len(e.Chain))
		for i, id := range e.Chain {
			parts[i] = string(id)
		}
		msg += " via " + strings.Join(parts, "/")
	}
	return msg
}

// Is lets errors.Is match ErrNotFound
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StaleResponseError marks a response whose token was superseded. It never
// leaves the engine.
type StaleResponseError struct {
	Type      ErrorType
	NodeID    types.NodeID
	Token     uint64
	Latest    uint64
	Timestamp time.Time
}

// NewStaleResponseError creates a new stale response error
func NewStaleResponseError(nodeID types.NodeID, token, latest uint64) *StaleResponseError {
	return &StaleResponseError{
		Type:      ErrorTypeStale,
		NodeID:    nodeID,
		Token:     token,
		Latest:    latest,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface
func (e *StaleResponseError) Error() string {
	return fmt.Sprintf("stale response for node %s: token %d superseded by %d", e.NodeID, e.Token, e.Latest)
}

// IsStale reports whether err is a dropped stale response
func IsStale(err error) bool {
	var stale *StaleResponseError
	return errors.As(err, &stale)
}

// IsNotFound reports whether err signals a missing node
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field      string
	Value      string
	Underlying error
	Timestamp  time.Time
}

// NewConfigError creates a new config error
func NewConfigError(field, value string, err error) *ConfigError {
	return &ConfigError{
		Field:      field,
		Value:      value,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for field %s (value %s): %v", e.Field, e.Value, e.Underlying)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Underlying
}

// CacheError represents a snapshot store failure
type CacheError struct {
	Type       ErrorType
	Key        string
	Operation  string
	Underlying error
	Timestamp  time.Time
}

// NewCacheError creates a new cache error
func NewCacheError(op, key string, err error) *CacheError {
	return &CacheError{
		Type:       ErrorTypeCache,
		Key:        key,
		Operation:  op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failed for key %s: %v", e.Operation, e.Key, e.Underlying)
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Underlying
}

// MultiError represents multiple errors
type MultiError struct {
	Errors []error
}

// NewMultiError creates a new multi-error
func NewMultiError(errs []error) *MultiError {
	// Filter out nil errors
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	return &MultiError{Errors: filtered}
}

// ErrorOrNil returns nil when no errors were collected
func (e *MultiError) ErrorOrNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Error implements the error interface
func (e *MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v", len(e.Errors), e.Errors)
}

// Unwrap returns all errors
func (e *MultiError) Unwrap() []error {
	return e.Errors
}
