package errors

import (
	"net/http"
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common Error Codes
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeNotFound           ErrorCode = "COMMON_005"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_008"
	ErrCodeTimeout            ErrorCode = "COMMON_009"
	ErrCodeValidation         ErrorCode = "COMMON_010"
	ErrCodeSerialization      ErrorCode = "COMMON_011"
	ErrCodeDatabaseError      ErrorCode = "COMMON_012"
	ErrCodeCacheError         ErrorCode = "COMMON_013"
	ErrCodeExternalService    ErrorCode = "COMMON_014"
	ErrCodeNotImplemented     ErrorCode = "COMMON_016"
)

// Sentinel codes.
const (
	CodeOK      = ErrorCode("OK")
	CodeUnknown = ErrorCode("UNKNOWN")
)

// NL2SQL Error Codes
const (
	// ErrCodeNormalization marks a numeral or year string that cannot be
	// converted. Miners drop the candidate and continue.
	ErrCodeNormalization ErrorCode = "NL2SQL_001"
	// ErrCodeOutOfRangeReference marks a column index at or beyond the header
	// length. The codec ignores such entries.
	ErrCodeOutOfRangeReference ErrorCode = "NL2SQL_002"
	ErrCodeInvalidModelOutput  ErrorCode = "NL2SQL_003"
	// ErrCodeEncoderFailure is fatal for the call and never retried.
	ErrCodeEncoderFailure ErrorCode = "NL2SQL_004"
	ErrCodeInvalidRecord  ErrorCode = "NL2SQL_005"
	ErrCodeLengthMismatch ErrorCode = "NL2SQL_006"
	ErrCodeUnknownTable   ErrorCode = "NL2SQL_007"
)

// ErrorCodeHTTPStatus maps ErrorCodes to HTTP status codes.
var ErrorCodeHTTPStatus = map[ErrorCode]int{
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
	ErrCodeTimeout:            http.StatusGatewayTimeout,
	ErrCodeValidation:         http.StatusUnprocessableEntity,
	ErrCodeSerialization:      http.StatusInternalServerError,
	ErrCodeDatabaseError:      http.StatusInternalServerError,
	ErrCodeCacheError:         http.StatusInternalServerError,
	ErrCodeExternalService:    http.StatusBadGateway,
	ErrCodeNotImplemented:     http.StatusNotImplemented,

	ErrCodeNormalization:       http.StatusUnprocessableEntity,
	ErrCodeOutOfRangeReference: http.StatusUnprocessableEntity,
	ErrCodeInvalidModelOutput:  http.StatusBadGateway,
	ErrCodeEncoderFailure:      http.StatusBadGateway,
	ErrCodeInvalidRecord:       http.StatusBadRequest,
	ErrCodeLengthMismatch:      http.StatusBadRequest,
	ErrCodeUnknownTable:        http.StatusNotFound,
}

// ErrorCodeMessage maps ErrorCodes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal server error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeNotFound:           "resource not found",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeTimeout:            "request timeout",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeDatabaseError:      "database error",
	ErrCodeCacheError:         "cache error",
	ErrCodeExternalService:    "external service error",
	ErrCodeNotImplemented:     "not implemented",

	ErrCodeNormalization:       "numeral normalization failed",
	ErrCodeOutOfRangeReference: "column reference out of range",
	ErrCodeInvalidModelOutput:  "invalid model output",
	ErrCodeEncoderFailure:      "encoder call failed",
	ErrCodeInvalidRecord:       "invalid dataset record",
	ErrCodeLengthMismatch:      "length mismatch",
	ErrCodeUnknownTable:        "unknown table",
}

// HTTPStatusForCode returns the HTTP status code for an ErrorCode.
func HTTPStatusForCode(code ErrorCode) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// IsClientError returns true if the ErrorCode corresponds to a 4xx HTTP status.
func IsClientError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 400 && status < 500
}

// IsServerError returns true if the ErrorCode corresponds to a 5xx HTTP status.
func IsServerError(code ErrorCode) bool {
	status := HTTPStatusForCode(code)
	return status >= 500 && status < 600
}

// ModuleForCode returns the module prefix of an ErrorCode.
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
