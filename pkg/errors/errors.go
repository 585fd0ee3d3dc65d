package errors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`

	// FormErrors maps form field names to validation messages.
	FormErrors map[string][]string `json:"-"`
	// Details carries extra payload keys rendered next to the error (secondsToWait).
	Details map[string]any `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches any AppError carrying the same code, so customised copies of a
// sentinel (AlreadyClaimed("bob")) still satisfy errors.Is(err, ErrAlreadyClaimed).
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError with a different human message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}
	cpy := *e
	cpy.Message = message
	return &cpy
}

// WithDetail returns a copy of the AppError with an extra payload key.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e == nil {
		return nil
	}
	cpy := *e
	cpy.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cpy.Details[k] = v
	}
	cpy.Details[key] = value
	return &cpy
}

var (
	ErrNotAuthenticated = &AppError{
		Code:       "not_authenticated",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrInvalidCredentials = &AppError{
		Code:       "invalid_credentials",
		Message:    "Invalid username or password",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrNotAuthorized hides the existence of resources the caller may not see.
	ErrNotAuthorized = &AppError{
		Code:       "not_authorized",
		Message:    "Not found",
		StatusCode: http.StatusNotFound,
	}

	ErrLocked = &AppError{
		Code:       "locked",
		Message:    "Not found",
		StatusCode: http.StatusNotFound,
	}

	ErrForbidden = &AppError{
		Code:       "forbidden",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "bad_request",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrValidation = &AppError{
		Code:       "validation",
		Message:    "Please correct the errors below",
		StatusCode: http.StatusBadRequest,
	}

	ErrAlreadyClaimed = &AppError{
		Code:       "already_claimed",
		Message:    "Someone has already claimed the task(s)",
		StatusCode: http.StatusBadRequest,
	}

	ErrAlreadySolved = &AppError{
		Code:       "already_solved",
		Message:    "You have already solved this puzzle",
		StatusCode: http.StatusBadRequest,
	}

	ErrAlreadyTried = &AppError{
		Code:       "already_tried",
		Message:    "You have already tried that answer",
		StatusCode: http.StatusBadRequest,
	}

	ErrHintAlreadyOpen = &AppError{
		Code:       "hint_already_open",
		Message:    "You already have an open hint request for this puzzle",
		StatusCode: http.StatusBadRequest,
	}

	ErrEmptyGuess = &AppError{
		Code:       "empty_guess",
		Message:    "Answers must contain at least one letter",
		StatusCode: http.StatusBadRequest,
	}

	ErrRateLimited = &AppError{
		Code:       "rate_limited",
		Message:    "You are submitting too quickly, please wait",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrTryAgain = &AppError{
		Code:       "try_again",
		Message:    "Temporarily unavailable, please try again",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrCSRFInvalid = &AppError{
		Code:       "csrf_invalid",
		Message:    "Your session form expired, please reload the page",
		StatusCode: http.StatusForbidden,
	}

	ErrInternalServer = &AppError{
		Code:       "internal_error",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       ErrInternalServer.Code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return ErrBadRequest.WithMessage(message)
}

// AlreadyClaimed reports the handler currently holding the task(s).
func AlreadyClaimed(other string) *AppError {
	if strings.TrimSpace(other) == "" {
		return ErrAlreadyClaimed
	}
	return ErrAlreadyClaimed.WithMessage(fmt.Sprintf("%s has already claimed the task(s)", other))
}

// RateLimited carries the wait time rendered as secondsToWait.
func RateLimited(secondsToWait int) *AppError {
	if secondsToWait < 1 {
		secondsToWait = 1
	}
	return ErrRateLimited.WithDetail("secondsToWait", secondsToWait)
}

// FormErrors collects per-field validation messages.
type FormErrors map[string][]string

// Add appends a message for field.
func (f FormErrors) Add(field, message string) {
	f[field] = append(f[field], message)
}

// Empty reports whether no field failed.
func (f FormErrors) Empty() bool { return len(f) == 0 }

// Err converts the collected messages into a validation AppError, or nil.
func (f FormErrors) Err() error {
	if f.Empty() {
		return nil
	}
	cpy := *ErrValidation
	cpy.FormErrors = map[string][]string(f)
	return &cpy
}

// Fields lists the failing field names in sorted order.
func (f FormErrors) Fields() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validation returns a validation AppError for a single field.
func Validation(field, message string) *AppError {
	fe := FormErrors{}
	fe.Add(field, message)
	return fe.Err().(*AppError)
}
