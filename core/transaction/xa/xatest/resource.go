// Package xatest provides a recording xa.Resource for tests of code that
// drives resource managers.
package xatest

import (
	"context"
	"sync"

	"github.com/sushant-115/gojotxn/core/transaction/xa"
)

// rm is the identity shared by every handle onto one fake resource manager.
type rm struct{ name string }

// Resource records every verb it receives and fails the ones configured
// with FailOn.
type Resource struct {
	rm *rm

	mu       sync.Mutex
	calls    []string
	xids     []xa.ID
	failures map[string]error
	readOnly bool
	timeout  int
}

var _ xa.Resource = (*Resource)(nil)

// New returns a Resource onto a fresh resource manager called name.
func New(name string) *Resource {
	return &Resource{rm: &rm{name: name}, failures: make(map[string]error)}
}

// Handle returns another Resource onto the same resource manager as r.
func (r *Resource) Handle() *Resource {
	return &Resource{rm: r.rm, failures: make(map[string]error)}
}

// Name is the resource manager name given to New.
func (r *Resource) Name() string { return r.rm.name }

// FailOn makes verb ("start", "end", "prepare", "commit", "rollback",
// "forget") return err from now on. A nil err clears the failure.
func (r *Resource) FailOn(verb string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, verb)
		return
	}
	r.failures[verb] = err
}

// VoteReadOnly makes Prepare vote XA_RDONLY.
func (r *Resource) VoteReadOnly() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readOnly = true
}

// Calls returns the recorded verbs, e.g. "start:TMNOFLAGS", "commit:1p".
func (r *Resource) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many times call was recorded.
func (r *Resource) Count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

// Xids returns the branch identifiers seen by Start, in order.
func (r *Resource) Xids() []xa.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xa.ID(nil), r.xids...)
}

func (r *Resource) record(verb, call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.failures[verb]
}

func (r *Resource) Start(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	r.mu.Lock()
	r.xids = append(r.xids, xa.IDOf(xid))
	r.mu.Unlock()
	return r.record("start", "start:"+flags.String())
}

func (r *Resource) End(ctx context.Context, xid xa.Xid, flags xa.Flags) error {
	return r.record("end", "end:"+flags.String())
}

func (r *Resource) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	if err := r.record("prepare", "prepare"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readOnly {
		return xa.VoteReadOnly, nil
	}
	return xa.VoteOK, nil
}

func (r *Resource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	if onePhase {
		return r.record("commit", "commit:1p")
	}
	return r.record("commit", "commit:2p")
}

func (r *Resource) Rollback(ctx context.Context, xid xa.Xid) error {
	return r.record("rollback", "rollback")
}

func (r *Resource) Forget(ctx context.Context, xid xa.Xid) error {
	return r.record("forget", "forget")
}

func (r *Resource) Recover(ctx context.Context, flags xa.Flags) ([]xa.Xid, error) {
	return nil, r.record("recover", "recover:"+flags.String())
}

func (r *Resource) IsSameRM(other xa.Resource) bool {
	o, ok := other.(*Resource)
	return ok && o.rm == r.rm
}

func (r *Resource) TransactionTimeout() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout, nil
}

func (r *Resource) SetTransactionTimeout(seconds int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = seconds
	return true, nil
}
