package xa

import (
	"errors"
	"fmt"
)

// Code is an XA return or error code.
type Code int

const (
	RBRollback  Code = 100
	RBCommFail  Code = 101
	RBDeadlock  Code = 102
	RBIntegrity Code = 103
	RBOther     Code = 104
	RBProto     Code = 105
	RBTimeout   Code = 106
	RBTransient Code = 107

	NoMigrate    Code = 9
	HeurHazard   Code = 8
	HeurCommit   Code = 7
	HeurRollback Code = 6
	HeurMixed    Code = 5
	Retry        Code = 4
	RDOnly       Code = 3

	Async   Code = -2
	RMErr   Code = -3
	NotA    Code = -4
	Inval   Code = -5
	Proto   Code = -6
	RMFail  Code = -7
	DupID   Code = -8
	Outside Code = -9
)

var codeNames = map[Code]string{
	RBRollback:   "XA_RBROLLBACK",
	RBCommFail:   "XA_RBCOMMFAIL",
	RBDeadlock:   "XA_RBDEADLOCK",
	RBIntegrity:  "XA_RBINTEGRITY",
	RBOther:      "XA_RBOTHER",
	RBProto:      "XA_RBPROTO",
	RBTimeout:    "XA_RBTIMEOUT",
	RBTransient:  "XA_RBTRANSIENT",
	NoMigrate:    "XA_NOMIGRATE",
	HeurHazard:   "XA_HEURHAZ",
	HeurCommit:   "XA_HEURCOM",
	HeurRollback: "XA_HEURRB",
	HeurMixed:    "XA_HEURMIX",
	Retry:        "XA_RETRY",
	RDOnly:       "XA_RDONLY",
	Async:        "XAER_ASYNC",
	RMErr:        "XAER_RMERR",
	NotA:         "XAER_NOTA",
	Inval:        "XAER_INVAL",
	Proto:        "XAER_PROTO",
	RMFail:       "XAER_RMFAIL",
	DupID:        "XAER_DUPID",
	Outside:      "XAER_OUTSIDE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("XA(%d)", int(c))
}

// IsRollback reports whether c is one of the XA_RB* codes.
func (c Code) IsRollback() bool { return c >= RBRollback && c <= RBTransient }

// IsHeuristic reports whether c is one of the XA_HEUR* codes.
func (c Code) IsHeuristic() bool { return c >= HeurMixed && c <= HeurHazard }

// isHazard reports whether c leaves the outcome of a branch unknown.
func (c Code) isHazard() bool {
	switch c {
	case HeurHazard, NotA, RMErr, RMFail, Inval, Proto:
		return true
	}
	return false
}

// Error is an error carrying an XA code.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

// NewError returns an *Error with code and reason.
func NewError(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Errorf returns an *Error whose cause is fmt.Errorf(format, args...), so a
// %w verb keeps the wrapped error reachable.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap returns an *Error with code whose cause is err.
func Wrap(code Code, err error, reason string) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Reason == "" && e.Err == nil:
		return e.Code.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	case e.Reason == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, xa.NewError(xa.NotA, ""))
// works as a code test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code, true
	}
	return 0, false
}
