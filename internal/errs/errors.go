package errs

import (
	"errors"
	"fmt"
)

// Kind classifies failures crossing a process or transport boundary
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindTimeout
	KindParse
	KindEarlyClose
	KindBufferOverflow
	KindNotFound
)

// String returns the stable name used in logs and error responses
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection_error"
	case KindTimeout:
		return "timeout_error"
	case KindParse:
		return "parse_error"
	case KindEarlyClose:
		return "early_close_error"
	case KindBufferOverflow:
		return "buffer_overflow_error"
	case KindNotFound:
		return "not_found_error"
	default:
		return "unknown_error"
	}
}

// Error is a classified error. Two Errors match under errors.Is when their
// kinds are equal, so the sentinel values below can be used for branching.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Sentinels for errors.Is
var (
	ErrConnection     = &Error{Kind: KindConnection}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrParse          = &Error{Kind: KindParse}
	ErrEarlyClose     = &Error{Kind: KindEarlyClose}
	ErrBufferOverflow = &Error{Kind: KindBufferOverflow}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality with another *Error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether repeating the operation may succeed
func (e *Error) Retryable() bool {
	return e.Kind == KindConnection || e.Kind == KindTimeout
}

// KindOf extracts the kind of err, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a retryable classified error
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func Connection(op string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

func Timeout(op string, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Parse(op string, err error) *Error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

func EarlyClose(op string, format string, args ...interface{}) *Error {
	return &Error{Kind: KindEarlyClose, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func BufferOverflow(op string, limit int) *Error {
	return &Error{Kind: KindBufferOverflow, Op: op, Msg: fmt.Sprintf("buffered data exceeds %d bytes without a newline", limit)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}
