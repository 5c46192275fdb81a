// Package rerr defines the error kinds shared across the cache engine and
// the protocol front-end.
package rerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch with errors.Is against the
// sentinel Kind values below instead of string-matching messages.
type Kind int

const (
	Unknown Kind = iota
	KeyNotFound
	KeyExpired
	InvalidTTL
	OutOfMemory
	CacheFull
	CompressionError
	SerializationError
	IOError
	ConfigError
	EngineError
	// ConcurrencyConflict is reserved: nothing in the core currently raises it.
	ConcurrencyConflict
)

// Error lets a bare Kind satisfy the error interface, so callers can write
// errors.Is(err, rerr.KeyNotFound) without constructing an *Error.
func (k Kind) Error() string { return k.String() }

func (k Kind) String() string {
	switch k {
	case KeyNotFound:
		return "KeyNotFound"
	case KeyExpired:
		return "KeyExpired"
	case InvalidTTL:
		return "InvalidTtl"
	case OutOfMemory:
		return "OutOfMemory"
	case CacheFull:
		return "CacheFull"
	case CompressionError:
		return "CompressionError"
	case SerializationError:
		return "SerializationError"
	case IOError:
		return "IoError"
	case ConfigError:
		return "ConfigError"
	case EngineError:
		return "EngineError"
	case ConcurrencyConflict:
		return "ConcurrencyConflict"
	default:
		return "Unknown"
	}
}

// Error carries a Kind plus whatever context (key, size, cause) is relevant
// to that kind.
type Error struct {
	Kind    Kind
	Message string
	Key     string
	Size    int64
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Message != "":
		return fmt.Sprintf("%s: %s (key=%q)", e.Kind, e.Message, e.Key)
	case e.Key != "":
		return fmt.Sprintf("%s (key=%q)", e.Kind, e.Key)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, rerr.KeyNotFound) work directly against a Kind
// value, without requiring callers to build a throwaway *Error.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func NotFound(key string) *Error {
	return &Error{Kind: KeyNotFound, Message: "key not found", Key: key}
}

func Expired(key string) *Error {
	return &Error{Kind: KeyExpired, Message: "key expired", Key: key}
}

func InvalidTTLf(ttlSeconds int64, maxTTL int64) *Error {
	return &Error{
		Kind:    InvalidTTL,
		Message: fmt.Sprintf("ttl %d exceeds max_ttl %d", ttlSeconds, maxTTL),
	}
}

func OOM(requested int64) *Error {
	return &Error{Kind: OutOfMemory, Message: "could not free enough memory", Size: requested}
}

func Full(currentSize, maxCapacity int64) *Error {
	return &Error{
		Kind:    CacheFull,
		Message: fmt.Sprintf("disk usage %d exceeds max_disk_size %d", currentSize, maxCapacity),
	}
}

func Compression(msg string, cause error) *Error {
	return &Error{Kind: CompressionError, Message: msg, Cause: cause}
}

func Serialization(msg string, cause error) *Error {
	return &Error{Kind: SerializationError, Message: msg, Cause: cause}
}

func IO(msg string, cause error) *Error {
	return &Error{Kind: IOError, Message: msg, Cause: cause}
}

func Config(msg string) *Error {
	return &Error{Kind: ConfigError, Message: msg}
}

func Engine(msg string, cause error) *Error {
	return &Error{Kind: EngineError, Message: msg, Cause: cause}
}

// As is a thin convenience wrapper around errors.As for the common case of
// recovering the Kind from an arbitrary error chain.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Unknown, false
}
