package workflow

import (
	"errors"
	"fmt"
)

// Rejection codes used by the runtime. Applications may define their own.
const (
	CodeRejected      = "rejected"
	CodeAlreadyExists = "already_exists"
	CodePaused        = "paused"
	CodeCancelled     = "cancelled"
)

// Rejection is a business-logic refusal returned by Decide or by the
// runtime's lifecycle guards. It is an expected outcome, not a failure:
// callers distinguish it from infrastructure errors with errors.As.
type Rejection struct {
	Code   string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return fmt.Sprintf("rejected: %s", r.Code)
	}
	return fmt.Sprintf("rejected (%s): %s", r.Code, r.Reason)
}

// Reject builds a plain rejection with CodeRejected.
func Reject(format string, args ...any) *Rejection {
	return &Rejection{Code: CodeRejected, Reason: fmt.Sprintf(format, args...)}
}

// RejectCode builds a rejection with an explicit code.
func RejectCode(code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is (or wraps) a Rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// AsRejection unwraps err into a Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsAlreadyExists reports whether err is a creation collision rejection.
func IsAlreadyExists(err error) bool {
	r, ok := AsRejection(err)
	return ok && r.Code == CodeAlreadyExists
}
