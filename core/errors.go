package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorCodeProviderConfig      = "LEDGERSYNC_PROVIDER_CONFIG"
	ErrorCodeAuth                = "LEDGERSYNC_AUTH"
	ErrorCodeTokenExpired        = "LEDGERSYNC_TOKEN_EXPIRED"
	ErrorCodeUpstreamUnavailable = "LEDGERSYNC_UPSTREAM_UNAVAILABLE"
	ErrorCodeRateLimited         = "LEDGERSYNC_RATE_LIMITED"
	ErrorCodeConcurrencyConflict = "LEDGERSYNC_CONCURRENCY_CONFLICT"
	ErrorCodeNormalization       = "LEDGERSYNC_NORMALIZATION"
	ErrorCodePersistence         = "LEDGERSYNC_PERSISTENCE"
	ErrorCodeBadInput            = "LEDGERSYNC_BAD_INPUT"
	ErrorCodeNotFound            = "LEDGERSYNC_NOT_FOUND"
	ErrorCodeInternal            = "LEDGERSYNC_INTERNAL"
)

// ErrorKind names a member of the broker error taxonomy.
type ErrorKind string

const (
	KindUnknown             ErrorKind = ""
	KindProviderConfig      ErrorKind = "ProviderConfigError"
	KindAuth                ErrorKind = "AuthError"
	KindTokenExpired        ErrorKind = "TokenExpiredError"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindRateLimited         ErrorKind = "ProviderRateLimited"
	KindConcurrencyConflict ErrorKind = "ConcurrencyConflict"
	KindNormalization       ErrorKind = "NormalizationError"
	KindPersistence         ErrorKind = "PersistenceError"
	KindBadInput            ErrorKind = "BadInput"
	KindNotFound            ErrorKind = "NotFound"
	KindInternal            ErrorKind = "InternalError"
)

var kindByTextCode = map[string]ErrorKind{
	ErrorCodeProviderConfig:      KindProviderConfig,
	ErrorCodeAuth:                KindAuth,
	ErrorCodeTokenExpired:        KindTokenExpired,
	ErrorCodeUpstreamUnavailable: KindUpstreamUnavailable,
	ErrorCodeRateLimited:         KindRateLimited,
	ErrorCodeConcurrencyConflict: KindConcurrencyConflict,
	ErrorCodeNormalization:       KindNormalization,
	ErrorCodePersistence:         KindPersistence,
	ErrorCodeBadInput:            KindBadInput,
	ErrorCodeNotFound:            KindNotFound,
	ErrorCodeInternal:            KindInternal,
}

var (
	ErrCredentialNotFound     = errors.New("core: credential not found")
	ErrSyncRunNotFound        = errors.New("core: sync run not found")
	ErrStaleGeneration        = errors.New("core: credential generation changed")
	ErrLeaseHeld              = errors.New("core: sync lease already held")
	ErrLeaseLost              = errors.New("core: sync lease lost")
	ErrAuthorizeStateNotFound = errors.New("core: authorize state not found")
	ErrAuthorizeStateExpired  = errors.New("core: authorize state expired")
	ErrAuthorizeStateConsumed = errors.New("core: authorize state already consumed")
)

const metadataRetryAfter = "retry_after_seconds"

func newKindError(message string, category goerrors.Category, code int, textCode string, source error) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if source != nil {
		err.Source = source
	}
	return err
}

func NewProviderNotFoundError(provider string) *goerrors.Error {
	return newKindError(
		fmt.Sprintf("unsupported provider %q", strings.TrimSpace(provider)),
		goerrors.CategoryNotFound,
		http.StatusNotFound,
		ErrorCodeProviderConfig,
		nil,
	).WithMetadata(map[string]any{"provider": strings.TrimSpace(provider)})
}

func NewProviderConfigError(message string, source error) *goerrors.Error {
	return newKindError(message, goerrors.CategoryInternal, http.StatusInternalServerError, ErrorCodeProviderConfig, source)
}

func NewAuthError(message string, source error) *goerrors.Error {
	return newKindError(message, goerrors.CategoryAuth, http.StatusUnauthorized, ErrorCodeAuth, source)
}

func NewTokenExpiredError(message string, source error) *goerrors.Error {
	return newKindError(message, goerrors.CategoryAuth, http.StatusUnauthorized, ErrorCodeTokenExpired, source)
}

func NewUpstreamUnavailableError(message string, source error) *goerrors.Error {
	return newKindError(message, goerrors.CategoryExternal, http.StatusBadGateway, ErrorCodeUpstreamUnavailable, source)
}

func NewRateLimitedError(message string, retryAfter time.Duration, source error) *goerrors.Error {
	err := newKindError(message, goerrors.CategoryRateLimit, http.StatusTooManyRequests, ErrorCodeRateLimited, source)
	if retryAfter > 0 {
		err.WithMetadata(map[string]any{metadataRetryAfter: int64(retryAfter / time.Second)})
	}
	return err
}

func NewConcurrencyConflictError(message string, source error) *goerrors.Error {
	return newKindError(message, goerrors.CategoryConflict, http.StatusConflict, ErrorCodeConcurrencyConflict, source)
}

func NewNormalizationError(message string, field string, source error) *goerrors.Error {
	err := newKindError(message, goerrors.CategoryValidation, http.StatusUnprocessableEntity, ErrorCodeNormalization, source)
	if field = strings.TrimSpace(field); field != "" {
		err.WithMetadata(map[string]any{"field": field})
	}
	return err
}

func NewPersistenceError(message string, source error) *goerrors.Error {
	return newKindError(message, goerrors.CategoryInternal, http.StatusInternalServerError, ErrorCodePersistence, source)
}

func NewBadInputError(message string) *goerrors.Error {
	return newKindError(message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrorCodeBadInput, nil)
}

// NewFieldError reports a rejected message field as a validation error that
// still maps to KindBadInput.
func NewFieldError(scope, field, message string) *goerrors.Error {
	return goerrors.NewValidation(scope+": validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorCodeBadInput).
		WithSeverity(goerrors.SeverityError)
}

// NewMissingDependencyError flags a handler that was built without one of
// its collaborators.
func NewMissingDependencyError(message string) *goerrors.Error {
	return newKindError(message, goerrors.CategoryInternal, http.StatusInternalServerError, ErrorCodeInternal, nil)
}

func NewNotFoundError(message string, source error) *goerrors.Error {
	return newKindError(message, goerrors.CategoryNotFound, http.StatusNotFound, ErrorCodeNotFound, source)
}

// KindOf returns the outermost taxonomy kind found in the error chain.
func KindOf(err error) ErrorKind {
	for err != nil {
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			return KindUnknown
		}
		if kind, ok := kindByTextCode[rich.TextCode]; ok {
			return kind
		}
		err = rich.Source
	}
	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports errors that are worth retrying with backoff.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

// RetryAfter extracts the provider supplied retry hint, if any.
func RetryAfter(err error) time.Duration {
	var rich *goerrors.Error
	for current := err; current != nil; {
		if !goerrors.As(current, &rich) {
			return 0
		}
		if raw, ok := rich.Metadata[metadataRetryAfter]; ok {
			switch typed := raw.(type) {
			case int64:
				return time.Duration(typed) * time.Second
			case int:
				return time.Duration(typed) * time.Second
			case float64:
				return time.Duration(typed * float64(time.Second))
			}
		}
		current = rich.Source
	}
	return 0
}

// MapError converts any error into the service error envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureErrorEnvelope(rich)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewUpstreamUnavailableError("operation timed out", err)
	case errors.Is(err, context.Canceled):
		return newKindError("operation canceled", goerrors.CategoryOperation, 499, ErrorCodeInternal, err)
	case errors.Is(err, ErrCredentialNotFound), errors.Is(err, ErrSyncRunNotFound):
		return NewNotFoundError(err.Error(), err)
	case errors.Is(err, ErrLeaseHeld), errors.Is(err, ErrLeaseLost), errors.Is(err, ErrStaleGeneration):
		return NewConcurrencyConflictError(err.Error(), err)
	case errors.Is(err, ErrAuthorizeStateNotFound),
		errors.Is(err, ErrAuthorizeStateExpired),
		errors.Is(err, ErrAuthorizeStateConsumed):
		return NewAuthError(err.Error(), err)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatusForCategory(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorCodeBadInput
	case goerrors.CategoryNotFound:
		return ErrorCodeNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorCodeAuth
	case goerrors.CategoryConflict:
		return ErrorCodeConcurrencyConflict
	case goerrors.CategoryRateLimit:
		return ErrorCodeRateLimited
	case goerrors.CategoryExternal:
		return ErrorCodeUpstreamUnavailable
	default:
		return ErrorCodeInternal
	}
}

func httpStatusForCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
