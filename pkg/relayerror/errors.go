// Package relayerror defines the error taxonomy shared by every pipeline
// stage. Type names are part of the wire contract: they appear verbatim in
// egress error envelopes.
package relayerror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Type string

const (
	TypeValidation        Type = "validation_error"
	TypeProtocol          Type = "protocol_error"
	TypeAuthentication    Type = "authentication_error"
	TypeRateLimit         Type = "rate_limit_error"
	TypeTimeout           Type = "timeout_error"
	TypeConnection        Type = "connection_error"
	TypeNotFound          Type = "not_found_error"
	TypeQuotaExceeded     Type = "quota_exceeded_error"
	TypeNetwork           Type = "network_error"
	TypeAPI               Type = "api_error"
	TypeNoHealthyPipeline Type = "no_healthy_pipeline"
	TypePipelineSealed    Type = "pipeline_sealed"
	TypeModuleNotRunning  Type = "module_not_running"
	TypeCancelled         Type = "cancelled"
)

// Protocol subcodes. Attached via WithCode to TypeProtocol errors.
const (
	CodeInvalidModelField         = "INVALID_MODEL_FIELD"
	CodeInvalidMessagesField      = "INVALID_MESSAGES_FIELD"
	CodeRequestSizeExceeded       = "REQUEST_SIZE_EXCEEDED"
	CodeUnsupportedRequestFormat  = "UNSUPPORTED_REQUEST_FORMAT"
	CodeUnsupportedResponseFormat = "UNSUPPORTED_RESPONSE_FORMAT"
	CodeMissingModel              = "MISSING_MODEL"
	CodeInvalidMessages           = "INVALID_MESSAGES"
	CodeInvalidStreamFlag         = "INVALID_STREAM_FLAG"
	CodeInvalidMessageRole        = "INVALID_MESSAGE_ROLE"
	CodeEmptyMessageContent       = "EMPTY_MESSAGE_CONTENT"
	CodeMissingResponseID         = "MISSING_RESPONSE_ID"
	CodeInvalidResponseObject     = "INVALID_RESPONSE_OBJECT"
	CodeMissingResponseChoices    = "MISSING_RESPONSE_CHOICES"
	CodeMissingUsageInfo          = "MISSING_USAGE_INFO"
	CodeEmptyChunksList           = "EMPTY_CHUNKS_LIST"
)

// Error is a typed relay error. Module identifies the stage that produced it.
type Error struct {
	Type    Type
	Code    string
	Message string
	Param   string
	Module  string
	cause   error
}

func New(t Type, message string) *Error {
	return &Error{Type: t, Code: CodeFor(t), Message: message}
}

func Newf(t Type, format string, args ...interface{}) *Error {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new typed error.
func Wrap(t Type, message string, cause error) *Error {
	e := New(t, message)
	e.cause = cause
	return e
}

func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

func (e *Error) WithModule(module string) *Error {
	e.Module = module
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeFor derives the default error code from a type,
// e.g. rate_limit_error -> RATE_LIMIT_ERROR.
func CodeFor(t Type) string {
	return strings.ToUpper(string(t))
}

// AsError extracts a typed *Error from err, wrapping untyped errors as
// api_error so every failure leaves the core with a taxonomy type.
// Context cancellation and deadline errors map to their own types.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(TypeCancelled, "execution cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(TypeTimeout, "request deadline exceeded", err)
	}
	return Wrap(TypeAPI, err.Error(), err)
}

// HTTPStatus maps an error type to the status code used at the edge.
func HTTPStatus(t Type) int {
	switch t {
	case TypeValidation, TypeProtocol:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypeNotFound:
		return http.StatusNotFound
	case TypeTimeout:
		return http.StatusRequestTimeout
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeNoHealthyPipeline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the egress error body in the client dialect.
type Envelope struct {
	Type  string       `json:"type"`
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Type    Type   `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// ToEnvelope shapes a typed error for serialization.
func ToEnvelope(e *Error) Envelope {
	return Envelope{
		Type: "error",
		Error: EnvelopeBody{
			Type:    e.Type,
			Code:    e.Code,
			Message: e.Message,
			Param:   e.Param,
		},
	}
}
