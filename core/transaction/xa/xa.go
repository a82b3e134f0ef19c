// Package xa holds the two-phase-commit protocol vocabulary shared by the
// transaction factories, the resource adapter and the storage resources:
// flags, prepare votes, error codes, branch identifiers and the resource
// handle contract.
package xa

import (
	"context"
	"fmt"
	"strings"
)

// Flags are the bit flags passed to Start, End and Recover.
type Flags int

const (
	TMNoFlags    Flags = 0
	TMJoin       Flags = 0x00200000
	TMEndRScan   Flags = 0x00800000
	TMStartRScan Flags = 0x01000000
	TMSuspend    Flags = 0x02000000
	TMSuccess    Flags = 0x04000000
	TMResume     Flags = 0x08000000
	TMFail       Flags = 0x20000000
	TMOnePhase   Flags = 0x40000000
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{TMJoin, "TMJOIN"},
	{TMEndRScan, "TMENDRSCAN"},
	{TMStartRScan, "TMSTARTRSCAN"},
	{TMSuspend, "TMSUSPEND"},
	{TMSuccess, "TMSUCCESS"},
	{TMResume, "TMRESUME"},
	{TMFail, "TMFAIL"},
	{TMOnePhase, "TMONEPHASE"},
}

// String renders f symbolically, e.g. "TMSUCCESS|TMONEPHASE". Unknown bits
// are appended in hex.
func (f Flags) String() string {
	if f == TMNoFlags {
		return "TMNOFLAGS"
	}
	var parts []string
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%08x", int(rest)))
	}
	return strings.Join(parts, "|")
}

// Vote is the result of a successful Prepare.
type Vote int

const (
	VoteOK       Vote = 0
	VoteReadOnly Vote = 3
)

func (v Vote) String() string {
	switch v {
	case VoteOK:
		return "XA_OK"
	case VoteReadOnly:
		return "XA_RDONLY"
	default:
		return fmt.Sprintf("Vote(%d)", int(v))
	}
}

// Resource is a two-phase-commit capable handle onto one resource manager.
// Every verb is keyed by the branch identifier.
type Resource interface {
	Start(ctx context.Context, xid Xid, flags Flags) error
	End(ctx context.Context, xid Xid, flags Flags) error
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	Forget(ctx context.Context, xid Xid) error
	Recover(ctx context.Context, flags Flags) ([]Xid, error)

	// IsSameRM reports whether other is a handle onto the same resource
	// manager instance.
	IsSameRM(other Resource) bool
	// TransactionTimeout is in seconds.
	TransactionTimeout() (int, error)
	SetTransactionTimeout(seconds int) (bool, error)
}
