package xa

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash"
)

// Xid is a distributed transaction branch identifier as supplied by a
// coordinator. Implementations need not be comparable; use IDOf to obtain a
// value that is.
type Xid interface {
	FormatID() int32
	GlobalTransactionID() []byte
	BranchQualifier() []byte
}

// ID is a comparable Xid. Two IDs are equal iff their format id, global
// transaction id and branch qualifier are equal, so ID is usable as a map key.
type ID struct {
	formatID int32
	gtrid    string
	bqual    string
}

var _ Xid = ID{}

// NewID builds an ID from its parts. The byte slices are copied.
func NewID(formatID int32, gtrid, bqual []byte) ID {
	return ID{formatID: formatID, gtrid: string(gtrid), bqual: string(bqual)}
}

// IDOf normalizes any Xid into an ID.
func IDOf(x Xid) ID {
	if id, ok := x.(ID); ok {
		return id
	}
	return NewID(x.FormatID(), x.GlobalTransactionID(), x.BranchQualifier())
}

func (id ID) FormatID() int32             { return id.formatID }
func (id ID) GlobalTransactionID() []byte { return []byte(id.gtrid) }
func (id ID) BranchQualifier() []byte     { return []byte(id.bqual) }

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool { return id == ID{} }

// WithBranch returns an ID in the same global transaction with a different
// branch qualifier.
func (id ID) WithBranch(bqual []byte) ID {
	return ID{formatID: id.formatID, gtrid: id.gtrid, bqual: string(bqual)}
}

// String renders ":format:hash(gtrid):hash(bqual):" which is stable and short
// enough for log fields.
func (id ID) String() string {
	return fmt.Sprintf(":%d:%016x:%016x:", id.formatID, xxhash.Sum64String(id.gtrid), xxhash.Sum64String(id.bqual))
}

// Equal reports whether two Xids identify the same branch.
func Equal(a, b Xid) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.FormatID() == b.FormatID() &&
		bytes.Equal(a.GlobalTransactionID(), b.GlobalTransactionID()) &&
		bytes.Equal(a.BranchQualifier(), b.BranchQualifier())
}
