package questdb

// pendingTable is the dispatcher's authoritative set of connections awaiting
// a readiness event, stored column-wise. Rows are appended in
// non-decreasing timestamp order, so the idle scan can stop at the first row
// younger than the deadline. Only the dispatcher goroutine touches it.
type pendingTable struct {
	timestamps []int64
	fds        []int
	ops        []int32
	contexts   []*ConnContext
}

func newPendingTable(capacity int) *pendingTable {
	return &pendingTable{
		timestamps: make([]int64, 0, capacity),
		fds:        make([]int, 0, capacity),
		ops:        make([]int32, 0, capacity),
		contexts:   make([]*ConnContext, 0, capacity),
	}
}

// addRow appends an empty row and returns its index.
func (t *pendingTable) addRow() int {
	t.timestamps = append(t.timestamps, 0)
	t.fds = append(t.fds, 0)
	t.ops = append(t.ops, 0)
	t.contexts = append(t.contexts, nil)
	return len(t.fds) - 1
}

func (t *pendingTable) size() int { return len(t.fds) }

func (t *pendingTable) timestamp(row int) int64       { return t.timestamps[row] }
func (t *pendingTable) fd(row int) int                { return t.fds[row] }
func (t *pendingTable) op(row int) int32              { return t.ops[row] }
func (t *pendingTable) context(row int) *ConnContext  { return t.contexts[row] }

func (t *pendingTable) setTimestamp(row int, ts int64)     { t.timestamps[row] = ts }
func (t *pendingTable) setFd(row int, fd int)              { t.fds[row] = fd }
func (t *pendingTable) setOp(row int, op int32)            { t.ops[row] = op }
func (t *pendingTable) setContext(row int, c *ConnContext) { t.contexts[row] = c }

// deleteRow removes row i preserving the relative order of the remaining
// rows. Swap-delete would break the timestamp ordering the idle scan
// depends on.
func (t *pendingTable) deleteRow(i int) {
	n := len(t.fds) - 1
	copy(t.timestamps[i:], t.timestamps[i+1:])
	copy(t.fds[i:], t.fds[i+1:])
	copy(t.ops[i:], t.ops[i+1:])
	copy(t.contexts[i:], t.contexts[i+1:])
	t.contexts[n] = nil
	t.timestamps = t.timestamps[:n]
	t.fds = t.fds[:n]
	t.ops = t.ops[:n]
	t.contexts = t.contexts[:n]
}

// zapTop removes the first n rows in one compaction pass.
func (t *pendingTable) zapTop(n int) {
	if n <= 0 {
		return
	}
	if n >= len(t.fds) {
		n = len(t.fds)
	}
	m := copy(t.timestamps, t.timestamps[n:])
	copy(t.fds, t.fds[n:])
	copy(t.ops, t.ops[n:])
	copy(t.contexts, t.contexts[n:])
	for i := m; i < len(t.contexts); i++ {
		t.contexts[i] = nil
	}
	t.timestamps = t.timestamps[:m]
	t.fds = t.fds[:m]
	t.ops = t.ops[:m]
	t.contexts = t.contexts[:m]
}
