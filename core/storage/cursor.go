package storage

// Entry is one key/value pair.
type Entry struct {
	Key   []byte
	Value []byte
}

// SliceCursor iterates over entries already read from a store. Stores
// materialize scans so that a cursor survives its transaction being
// suspended and resumed on another goroutine.
type SliceCursor struct {
	entries []Entry
	pos     int
	closed  bool
}

func NewSliceCursor(entries []Entry) *SliceCursor {
	return &SliceCursor{entries: entries}
}

func (c *SliceCursor) Next() bool {
	if c.closed || c.pos >= len(c.entries) {
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) Key() []byte   { return c.entries[c.pos-1].Key }
func (c *SliceCursor) Value() []byte { return c.entries[c.pos-1].Value }
func (c *SliceCursor) Err() error    { return nil }

func (c *SliceCursor) Close() error {
	c.closed = true
	c.entries = nil
	return nil
}
