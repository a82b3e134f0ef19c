package transaction

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction/local"
	"github.com/sushant-115/gojotxn/core/transaction/lock"
	"github.com/sushant-115/gojotxn/core/transaction/xa"
	"github.com/sushant-115/gojotxn/core/transaction/xa/xatest"
)

type testSession struct {
	owner lock.Owner

	mu      sync.Mutex
	idle    time.Duration
	timeout time.Duration
	opCtxs  []*testOpContext
}

func (s *testSession) Owner() lock.Owner { return s.owner }

func (s *testSession) IdleTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *testSession) TransactionTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *testSession) SetTransactionTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

func (s *testSession) NewOperationContext(write bool) (OperationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc := &testOpContext{write: write}
	s.opCtxs = append(s.opCtxs, oc)
	return oc, nil
}

type testOpContext struct {
	write   bool
	txn     Transaction
	cleared atomic.Int32
}

func (c *testOpContext) Resolve(context.Context, string) (StorageSession, error) { return nil, nil }
func (c *testOpContext) SystemStore(context.Context) (StorageSession, error)     { return nil, nil }
func (c *testOpContext) Clear()                                                  { c.cleared.Add(1) }

func (c *testOpContext) Initiate(txn Transaction) error {
	c.txn = txn
	return nil
}

// testResource is an EnlistableResource backed by a recording xa.Resource.
type testResource struct {
	*xatest.Resource
	aborted atomic.Int32
}

func newTestResource(name string) *testResource {
	return &testResource{Resource: xatest.New(name)}
}

func (r *testResource) XAResource() (xa.Resource, error) { return r.Resource, nil }

func (r *testResource) Abort() error {
	r.aborted.Add(1)
	return nil
}

// enlistOp is a write operation that enlists every resource in txn.
func enlistOp(txn Transaction, resources ...EnlistableResource) Operation {
	return NewOperation(true, func(ctx context.Context, _ Resolver, _ StorageSession, _ Metadata) error {
		for _, r := range resources {
			if err := txn.Enlist(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func failingOp(err error) Operation {
	return NewOperation(true, func(context.Context, Resolver, StorageSession, Metadata) error {
		return err
	})
}

var testMetadata = Metadata{Database: "test", SystemStore: "system"}

type fixture struct {
	session  *testSession
	mutex    *lock.Mutex
	internal *InternalFactory
	external *ExternalFactory
}

type fixtureOption func(*testSession)

func withTimeouts(idle, timeout time.Duration) fixtureOption {
	return func(s *testSession) {
		s.idle = idle
		s.timeout = timeout
	}
}

func newFixture(t *testing.T, owner string, wl *lock.WriteLock, reaper *Reaper, opts ...fixtureOption) *fixture {
	t.Helper()
	l := zap.NewNop()
	s := &testSession{owner: lock.Owner(owner)}
	for _, o := range opts {
		o(s)
	}
	cfg := FactoryConfig{
		Session:   s,
		WriteLock: wl,
		Mutex:     lock.NewMutex(),
		Reaper:    reaper,
		Logger:    l,
	}
	return &fixture{
		session:  s,
		mutex:    cfg.Mutex,
		internal: NewInternalFactory(cfg, local.NewManager(l)),
		external: NewExternalFactory(cfg),
	}
}

func newTestReaper(t *testing.T) *Reaper {
	t.Helper()
	r := NewReaper(zap.NewNop())
	t.Cleanup(r.Stop)
	return r
}

// sliceCursor iterates over fixed key/value pairs.
type sliceCursor struct {
	keys, values [][]byte
	pos          int
	closed       bool
}

func (c *sliceCursor) Next() bool {
	if c.pos >= len(c.keys) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Key() []byte   { return c.keys[c.pos-1] }
func (c *sliceCursor) Value() []byte { return c.values[c.pos-1] }
func (c *sliceCursor) Err() error    { return nil }
func (c *sliceCursor) Close() error {
	c.closed = true
	return nil
}

func requireCode(t *testing.T, want xa.Code, err error) {
	t.Helper()
	require.Error(t, err)
	code, ok := xa.CodeOf(err)
	require.True(t, ok, "no xa code in %v", err)
	require.Equal(t, want, code, "error: %v", err)
}

func collect(c Cursor) (out []string) {
	for c.Next() {
		out = append(out, string(bytes.Join([][]byte{c.Key(), c.Value()}, []byte("="))))
	}
	return out
}
