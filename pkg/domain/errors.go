package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

// Key values double as message catalog keys for the localized pages.
var (
	ErrPasteNotFound       = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteExpired        = NewErr("PASTE_EXPIRED", "paste expired", http.StatusGone)
	ErrContentTooLarge     = NewErr("CONTENT_TOO_LARGE", "content too large", http.StatusRequestEntityTooLarge)
	ErrStoreFull           = NewErr("STORE_FULL", "storage capacity exceeded", http.StatusRequestEntityTooLarge)
	ErrRequestTooLarge     = NewErr("REQUEST_TOO_LARGE", "request body too large", http.StatusRequestEntityTooLarge)
	ErrPasswordTooLong     = NewErr("PASSWORD_TOO_LONG", "password too long", http.StatusBadRequest)
	ErrContentRequired     = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrInvalidRequest      = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded   = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrAttemptsExceeded    = NewErr("ATTEMPTS_EXCEEDED", "too many failed attempts", http.StatusTooManyRequests)
	ErrPasswordRequired    = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrInvalidPassword     = NewErr("INVALID_PASSWORD", "invalid password", http.StatusUnauthorized)
	ErrNotDeletable        = NewErr("NOT_DELETABLE", "paste cannot be deleted", http.StatusForbidden)
	ErrUnavailable         = NewErr("UNAVAILABLE", "service temporarily unavailable", http.StatusServiceUnavailable)
	ErrDuplicateIdentifier = NewErr("DUPLICATE_IDENTIFIER", "duplicate short id", http.StatusInternalServerError)
	ErrIdentifierExhausted = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrInternalServer      = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrUnauthorized        = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrMethodNotAllowed    = NewErr("METHOD_NOT_ALLOWED", "method not allowed", http.StatusMethodNotAllowed)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// AsErr resolves err to its *Err, looking through pkg/errors causes and
// stdlib wrapping. Unknown errors resolve to ErrInternalServer.
func AsErr(err error) *Err {
	if err == nil {
		return nil
	}
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e
	}
	return ErrInternalServer
}
func ToResp(err error) ErrResp {
	e := AsErr(err)
	if e.Status == http.StatusInternalServerError {
		e = ErrInternalServer
	}
	return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
}
func Status(err error) int {
	return AsErr(err).Status
}
