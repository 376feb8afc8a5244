package questdb

// I/O operation bits carried by interest registrations and published events.
const (
	OpRead int32 = 1 << iota
	OpWrite
	OpTimeout
	opDisconnect // context hand-back, never published
)

// Disconnect sources, for logging and stats.
const (
	disconnectSrcPeer = iota
	disconnectSrcQueueFull
	disconnectSrcWorker
)

var disconnectSrcNames = [...]string{"peer", "queue full", "worker"}

// ConnContext is the per-connection state threaded through the dispatcher.
// It has exactly one owner at any time: the dispatcher while the connection
// sits in the pending table, or the single worker an operation was published
// to. Ownership moves back to the dispatcher through the interest queue.
// Fields are therefore unsynchronized except for the suspend token trigger.
type ConnContext struct {
	fd            int
	lastActivity  int64 // micros, maintained by the dispatcher
	timerDeadline int64 // micros, 0 means no explicit timer
	suspend       *SuspendToken
	authorized    bool

	// Tag carries protocol-specific state for whichever worker owns the
	// context; the dispatcher never touches it.
	Tag interface{}
}

func NewConnContext(fd int) *ConnContext {
	return &ConnContext{fd: fd}
}

func (c *ConnContext) Fd() int { return c.fd }

// SetTimerDeadline arms an explicit per-connection timer, distinct from the
// dispatcher-wide idle timeout. Zero disarms it.
func (c *ConnContext) SetTimerDeadline(deadlineMicros int64) {
	c.timerDeadline = deadlineMicros
}

func (c *ConnContext) timedOut(now int64) bool {
	return c.timerDeadline > 0 && now >= c.timerDeadline
}

// Suspend attaches a token; the owner must do this before handing the
// context back to the dispatcher.
func (c *ConnContext) Suspend(tok *SuspendToken) {
	c.suspend = tok
}

func (c *ConnContext) SuspendToken() *SuspendToken { return c.suspend }

func (c *ConnContext) clearSuspend() {
	c.suspend = nil
}

// Authorized reports the auth gate's verdict. Valid once the suspend token
// issued by the gate has triggered.
func (c *ConnContext) Authorized() bool { return c.authorized }
