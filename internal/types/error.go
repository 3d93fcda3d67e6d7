package types

import "fmt"

// CustomError is an error the HTTP edge renders with its own status and type
// instead of mapping it from the error taxonomy.
type CustomError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
	// Retryable tells the caller the same request may succeed later
	Retryable bool `json:"retryable,omitempty"`
}

func (e *CustomError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Type, e.Code, e.Message)
}

// Forbidden is a 403 of the given type
func Forbidden(errorType, format string, args ...interface{}) *CustomError {
	return &CustomError{Code: 403, Message: fmt.Sprintf(format, args...), Type: errorType}
}

// Unavailable is a retryable 503 of the given type
func Unavailable(errorType, format string, args ...interface{}) *CustomError {
	return &CustomError{Code: 503, Message: fmt.Sprintf(format, args...), Type: errorType, Retryable: true}
}
