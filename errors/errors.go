package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/cvmkit/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or a violated precondition
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that abort the current deployment
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseErrorClass is the inverse of String. Unknown names map to ErrorTransient.
func ParseErrorClass(s string) ErrorClass {
	switch s {
	case "invalid":
		return ErrorInvalid
	case "fatal":
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted    = errors.New("component already started")
	ErrNotStarted        = errors.New("component not started")
	ErrNotExecuting      = errors.New("component not executing")
	ErrShuttingDown      = errors.New("component is shutting down")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrComponentNotFound = errors.New("component not found")

	// Port and connector errors
	ErrNotConnected       = errors.New("port not connected")
	ErrAlreadyConnected   = errors.New("port already connected")
	ErrPortNotFound       = errors.New("port not found")
	ErrPortExists         = errors.New("port already exists")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrWrongDirection     = errors.New("operation not supported by port direction")
	ErrNoExecutor         = errors.New("no executor pool available")

	// Plugin errors
	ErrPluginExists   = errors.New("plugin already installed")
	ErrPluginNotFound = errors.New("plugin not found")

	// Transport errors
	ErrUnreachable       = errors.New("peer unreachable")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrUnknownScheme     = errors.New("unknown address scheme")

	// Directory errors
	ErrKeyNotFound         = errors.New("key not found")
	ErrProtocol            = errors.New("directory protocol error")
	ErrDirectoryClosed     = errors.New("directory closed")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrBarrierTimeout      = errors.New("barrier timeout")
	ErrDeploymentTimeout   = errors.New("deployment timeout")
	ErrUnknownComponentCls = errors.New("unknown component class")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Resource errors
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// RemoteError is a failure raised on the far side of a connector, either by
// the offered port's task or by the transport that carried the call. It is
// returned to the caller of the required port with its class preserved.
type RemoteError struct {
	Port      string
	Operation string
	Class     ErrorClass
	Message   string
}

// Error implements the error interface
func (re *RemoteError) Error() string {
	return fmt.Sprintf("remote %s.%s: %s", re.Port, re.Operation, re.Message)
}

// PhaseError reports the deployment phase in which a CVM failed.
type PhaseError struct {
	Site  string
	Phase string
	Err   error
}

// Error implements the error interface
func (pe *PhaseError) Error() string {
	if pe.Site != "" {
		return fmt.Sprintf("site %s: phase %s failed: %v", pe.Site, pe.Phase, pe.Err)
	}
	return fmt.Sprintf("phase %s failed: %v", pe.Phase, pe.Err)
}

// Unwrap returns the underlying error
func (pe *PhaseError) Unwrap() error {
	return pe.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable", "refused"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Class == ErrorFatal
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		return true
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrDeploymentTimeout)
}

// IsInvalid checks if an error is due to invalid input or a precondition
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Class == ErrorInvalid
	}

	return errors.Is(err, ErrNotStarted) ||
		errors.Is(err, ErrNotExecuting) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrProtocol)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	// Explicit classification wins over pattern matching.
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Class
	}

	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// RetryConfig defines configuration for retry operations
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []error
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry determines if an error should be retried based on config
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	if !IsTransient(err) {
		return false
	}
	if len(rc.RetryableErrors) > 0 {
		for _, retryableErr := range rc.RetryableErrors {
			if errors.Is(err, retryableErr) {
				return true
			}
		}
		return false
	}
	return true
}

// ToRetryConfig converts to the retry package's Config. MaxRetries counts
// additional attempts, so one is added for the total.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
