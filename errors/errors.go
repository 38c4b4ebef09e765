package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Stage names the pipeline step an error originated in.
type Stage string

const (
	StageInput       Stage = "input"
	StageSizing      Stage = "sizing"
	StageCompression Stage = "compression"
	StageBatching    Stage = "batching"
	StageMapCall     Stage = "map-call"
	StageReduceCall  Stage = "reduce-call"
	StageStorage     Stage = "storage"
)

// NoBatch marks errors that are not tied to a single batch.
const NoBatch = -1

var (
	ErrEmptyInput      = stderrors.New("no observations in input")
	ErrRateLimited     = stderrors.New("completion service rate limited the request")
	ErrResponseInvalid = stderrors.New("completion service returned an invalid response")
)

var ErrRateLimitExceeded = &AppError{
	Code:    http.StatusTooManyRequests,
	Message: "Rate limit exceeded",
	Batch:   NoBatch,
}

// AppError is a classified failure. Batch is NoBatch unless the failure
// belongs to one batch. Only Message is shown to API clients.
type AppError struct {
	Code    int
	Stage   Stage
	Batch   int
	Message string
	Op      string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Stage != "" {
		prefix := string(e.Stage)
		if e.Batch >= 0 {
			prefix = fmt.Sprintf("%s (batch %d)", prefix, e.Batch)
		}
		msg = prefix + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(code int, stage Stage, batch int, op string, err error, message string) *AppError {
	return &AppError{
		Code:    code,
		Stage:   stage,
		Batch:   batch,
		Message: message,
		Op:      op,
		Err:     err,
	}
}

func InvalidInput(op string, err error, message string) *AppError {
	return newError(http.StatusBadRequest, "", NoBatch, op, err, message)
}

func NotFound(op string, err error, message string) *AppError {
	return newError(http.StatusNotFound, "", NoBatch, op, err, message)
}

func Internal(op string, err error, message string) *AppError {
	return newError(http.StatusInternalServerError, "", NoBatch, op, err, message)
}

// Input reports a malformed or empty observation artifact.
func Input(op string, err error, message string) *AppError {
	return newError(http.StatusBadRequest, StageInput, NoBatch, op, err, message)
}

// Sizing reports a tokenizer or budget configuration problem.
func Sizing(op string, err error, message string) *AppError {
	return newError(http.StatusInternalServerError, StageSizing, NoBatch, op, err, message)
}

func Compression(op string, err error, message string) *AppError {
	return newError(http.StatusBadRequest, StageCompression, NoBatch, op, err, message)
}

func Batching(op string, err error, message string) *AppError {
	return newError(http.StatusInternalServerError, StageBatching, NoBatch, op, err, message)
}

// MapCall reports a failed completion for the batch at index batch.
func MapCall(op string, batch int, err error, message string) *AppError {
	return newError(upstreamCode(err), StageMapCall, batch, op, err, message)
}

func ReduceCall(op string, err error, message string) *AppError {
	return newError(upstreamCode(err), StageReduceCall, NoBatch, op, err, message)
}

func Storage(op string, err error, message string) *AppError {
	return newError(http.StatusInternalServerError, StageStorage, NoBatch, op, err, message)
}

func upstreamCode(err error) int {
	if stderrors.Is(err, ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

func asAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func IsNotFound(err error) bool {
	appErr, ok := asAppError(err)
	return ok && appErr.Code == http.StatusNotFound
}

// StageOf returns the pipeline stage recorded on err, if any.
func StageOf(err error) (Stage, bool) {
	appErr, ok := asAppError(err)
	if !ok || appErr.Stage == "" {
		return "", false
	}
	return appErr.Stage, true
}

// BatchOf returns the batch index recorded on err, or NoBatch.
func BatchOf(err error) int {
	if appErr, ok := asAppError(err); ok {
		return appErr.Batch
	}
	return NoBatch
}

// HTTPStatus maps err to the status code an API response should carry.
func HTTPStatus(err error) int {
	if appErr, ok := asAppError(err); ok && appErr.Code != 0 {
		return appErr.Code
	}
	return http.StatusInternalServerError
}

// Is, As and New mirror the standard library.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
