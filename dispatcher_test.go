package questdb

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testClock struct {
	now int64
}

func (c *testClock) Micros() int64 { return c.now }

// tickScript describes what the backend reports for one wait call. Ready
// descriptors are intersected with what was actually submitted, mirroring a
// real backend.
type tickScript struct {
	reads    []int
	writes   []int
	err      error
	badCount bool
}

type scriptBackend struct {
	script []tickScript
	step   int
}

func (b *scriptBackend) Wait(read, write *FDSet, timeoutMicros int64) (int, error) {
	var s tickScript
	if b.step < len(b.script) {
		s = b.script[b.step]
	}
	b.step++
	if s.err != nil {
		return -1, s.err
	}

	submittedRead := read.Count()
	submittedWrite := write.Count()
	if s.badCount {
		read.SetCount(submittedRead + 1)
		return submittedRead + 1, nil
	}

	readySubset := func(submitted *FDSet, n int, ready []int) []int {
		var out []int
		for i := 0; i < n; i++ {
			fd := submitted.Get(i)
			for _, r := range ready {
				if fd == r {
					out = append(out, fd)
					break
				}
			}
		}
		return out
	}
	readyReads := readySubset(read, submittedRead, s.reads)
	readyWrites := readySubset(write, submittedWrite, s.writes)

	read.Reset()
	for _, fd := range readyReads {
		read.Add(fd)
	}
	read.SetCount(len(readyReads))

	write.Reset()
	for _, fd := range readyWrites {
		write.Add(fd)
	}
	write.SetCount(len(readyWrites))

	return len(readyReads) + len(readyWrites), nil
}

func (b *scriptBackend) Close() error { return nil }

type fakeNet struct {
	acceptQueue []int
	closed      map[int]bool
	peerDead    map[int]bool
}

func (n *fakeNet) accept(listenerFd int) (int, error) {
	if len(n.acceptQueue) == 0 {
		return -1, nil
	}
	fd := n.acceptQueue[0]
	n.acceptQueue = n.acceptQueue[1:]
	return fd, nil
}

func (n *fakeNet) close(fd int) error {
	n.closed[fd] = true
	return nil
}

func (n *fakeNet) peerClosed(fd int) bool {
	return n.peerDead[fd]
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, script []tickScript) (*Dispatcher, *fakeNet, *testClock) {
	clock := &testClock{now: 1_000_000}
	cfg.Backend = &scriptBackend{script: script}
	cfg.Clock = clock
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Hour
	}
	d, err := NewDispatcher(cfg)
	assert.NoError(t, err)
	nf := &fakeNet{closed: map[int]bool{}, peerDead: map[int]bool{}}
	d.nf = nf
	t.Cleanup(func() {
		d.readSet.Close()
		d.writeSet.Close()
	})
	return d, nf, clock
}

func drainEvents(d *Dispatcher) []IOEvent {
	var out []IOEvent
	for {
		select {
		case ev := <-d.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func pendingFds(d *Dispatcher) []int {
	var out []int
	for i := 0; i < d.pending.size(); i++ {
		out = append(out, d.pending.fd(i))
	}
	return out
}

func TestNewDispatcherRequiresBackend(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{})
	assert.Equal(t, errNoBackend, err)
}

func TestDispatchReadReady(t *testing.T) {
	d, _, _ := newTestDispatcher(t, DispatcherConfig{}, []tickScript{
		{reads: []int{5}},
	})

	ctx := NewConnContext(5)
	assert.NoError(t, d.Register(ctx, OpRead))

	assert.True(t, d.runTick()) // absorbs the registration
	assert.Equal(t, []int{5}, pendingFds(d))
	assert.Empty(t, drainEvents(d))

	assert.True(t, d.runTick()) // backend reports fd 5 read-ready

	events := drainEvents(d)
	assert.Len(t, events, 1)
	assert.Equal(t, OpRead, events[0].Operation)
	assert.Same(t, ctx, events[0].Context)
	// ownership moved to the worker: the row is gone
	assert.Empty(t, pendingFds(d))
}

func TestSuspendMasksCompletions(t *testing.T) {
	script := make([]tickScript, 6)
	for i := range script {
		script[i] = tickScript{reads: []int{7}}
	}
	d, _, _ := newTestDispatcher(t, DispatcherConfig{}, script)

	ctx := NewConnContext(7)
	tok := NewSuspendToken(0) // no deadline
	ctx.Suspend(tok)
	assert.NoError(t, d.Register(ctx, OpRead))

	d.runTick() // registration
	for i := 0; i < 5; i++ {
		d.runTick() // read-ready every tick, peer alive
	}
	assert.Empty(t, drainEvents(d))
	assert.Equal(t, []int{7}, pendingFds(d))

	tok.Trigger()
	assert.True(t, d.runTick())

	events := drainEvents(d)
	assert.Len(t, events, 1)
	assert.Equal(t, OpRead, events[0].Operation)
	assert.Same(t, ctx, events[0].Context)
	assert.Nil(t, ctx.SuspendToken())
	assert.Empty(t, pendingFds(d))
}

func TestSuspendedPeerDisconnect(t *testing.T) {
	d, nf, _ := newTestDispatcher(t, DispatcherConfig{}, []tickScript{
		{reads: []int{7}},
	})

	ctx := NewConnContext(7)
	ctx.Suspend(NewSuspendToken(0))
	assert.NoError(t, d.Register(ctx, OpRead))

	d.runTick()
	nf.peerDead[7] = true
	d.runTick() // read-ready + dead peer while suspended
	d.runTick() // disconnect sweep closes the fd

	assert.Empty(t, drainEvents(d))
	assert.True(t, nf.closed[7])
	assert.Empty(t, pendingFds(d))
}

func TestSuspendDeadlineExpiryResumes(t *testing.T) {
	d, _, clock := newTestDispatcher(t, DispatcherConfig{}, []tickScript{
		{reads: []int{7}},
		{reads: []int{7}},
	})

	ctx := NewConnContext(7)
	ctx.Suspend(NewSuspendToken(clock.now + 500))
	assert.NoError(t, d.Register(ctx, OpRead))

	d.runTick()
	d.runTick() // still suspended, masked
	assert.Empty(t, drainEvents(d))

	clock.now += 501
	d.runTick() // deadline met: token cleared, readiness published

	events := drainEvents(d)
	assert.Len(t, events, 1)
	assert.Equal(t, OpRead, events[0].Operation)
}

func TestIdleEviction(t *testing.T) {
	d, nf, clock := newTestDispatcher(t, DispatcherConfig{IdleTimeout: time.Millisecond}, nil)

	ctx := NewConnContext(3)
	assert.NoError(t, d.Register(ctx, OpRead))
	d.runTick()

	clock.now += 1001
	assert.True(t, d.runTick()) // idle deadline passed
	d.runTick()                 // disconnect sweep

	assert.Empty(t, drainEvents(d))
	assert.True(t, nf.closed[3])
	assert.Empty(t, pendingFds(d))
	assert.Equal(t, uint64(1), d.Stats().IdleEvicted)
}

func TestIdleEvictionBoundary(t *testing.T) {
	d, nf, clock := newTestDispatcher(t, DispatcherConfig{IdleTimeout: time.Millisecond}, nil)

	base := clock.now
	assert.NoError(t, d.Register(NewConnContext(1), OpRead))
	d.runTick()
	clock.now = base + 500
	assert.NoError(t, d.Register(NewConnContext(2), OpRead))
	d.runTick()
	clock.now = base + 900
	assert.NoError(t, d.Register(NewConnContext(3), OpRead))
	d.runTick()

	// deadline = now - 1000 = base + 600: rows stamped base and base+500 go
	clock.now = base + 1600
	d.runTick()
	d.runTick()

	assert.Empty(t, drainEvents(d))
	assert.Equal(t, []int{3}, pendingFds(d))
	assert.True(t, nf.closed[1])
	assert.True(t, nf.closed[2])
	assert.False(t, nf.closed[3])
}

func TestTimerSweepPublishesTimeout(t *testing.T) {
	d, nf, clock := newTestDispatcher(t, DispatcherConfig{}, nil)

	ctx := NewConnContext(8)
	ctx.SetTimerDeadline(clock.now + 500)
	assert.NoError(t, d.Register(ctx, OpRead))
	d.runTick()

	clock.now += 600
	assert.True(t, d.runTick())

	events := drainEvents(d)
	assert.Len(t, events, 1)
	assert.Equal(t, OpTimeout, events[0].Operation)
	assert.Same(t, ctx, events[0].Context)
	assert.Empty(t, pendingFds(d))
	assert.False(t, nf.closed[8]) // published, not disconnected
}

func TestTimeoutFlagOnFiringOperation(t *testing.T) {
	d, _, clock := newTestDispatcher(t, DispatcherConfig{}, []tickScript{
		{writes: []int{9}},
	})

	ctx := NewConnContext(9)
	ctx.SetTimerDeadline(clock.now + 500)
	assert.NoError(t, d.Register(ctx, OpWrite))
	d.runTick()

	clock.now += 600
	d.runTick()

	events := drainEvents(d)
	assert.Len(t, events, 1)
	assert.Equal(t, OpWrite|OpTimeout, events[0].Operation)
}

// A connection that is read-ready, write-ready and past its timer deadline
// in the same tick publishes two events; the TIMEOUT flag rides the READ
// publish only, because read is correlated first.
func TestTimeoutFlagTieBreak(t *testing.T) {
	d, _, clock := newTestDispatcher(t, DispatcherConfig{}, nil)

	ctx := NewConnContext(11)
	ctx.SetTimerDeadline(clock.now - 1)
	d.publishReadiness(clock.now, ctx, OpRead|OpWrite)

	events := drainEvents(d)
	assert.Len(t, events, 2)
	assert.Equal(t, OpRead|OpTimeout, events[0].Operation)
	assert.Equal(t, OpWrite, events[1].Operation)
}

func TestBackendFailureKeepsPending(t *testing.T) {
	d, _, _ := newTestDispatcher(t, DispatcherConfig{}, []tickScript{
		{err: errors.New("wait failure")},
		{reads: []int{4}},
	})

	ctx := NewConnContext(4)
	assert.NoError(t, d.Register(ctx, OpRead))
	d.runTick()

	assert.False(t, d.runTick()) // unproductive tick, loop survives
	assert.Empty(t, drainEvents(d))
	assert.Equal(t, []int{4}, pendingFds(d))

	assert.True(t, d.runTick()) // backend recovered

	events := drainEvents(d)
	assert.Len(t, events, 1)
	assert.Equal(t, OpRead, events[0].Operation)
}

func TestBackendCountViolationAbortsTick(t *testing.T) {
	d, _, _ := newTestDispatcher(t, DispatcherConfig{}, []tickScript{
		{badCount: true},
		{reads: []int{6}},
	})

	ctx := NewConnContext(6)
	assert.NoError(t, d.Register(ctx, OpRead))
	d.runTick()

	assert.False(t, d.runTick()) // contract violation, tick aborted
	assert.Empty(t, drainEvents(d))
	assert.Equal(t, []int{6}, pendingFds(d))

	d.runTick() // re-arms from the pending table without waiting
	d.runTick() // normal service resumes

	events := drainEvents(d)
	assert.Len(t, events, 1)
	assert.Same(t, ctx, events[0].Context)
}

func TestAcceptBurstLimit(t *testing.T) {
	d, nf, _ := newTestDispatcher(t, DispatcherConfig{ListenerFd: 100, AcceptBurst: 2}, []tickScript{
		{reads: []int{100}},
		{reads: []int{100}},
	})
	nf.acceptQueue = []int{10, 11, 12}

	d.runTick()
	assert.Equal(t, []int{10, 11}, pendingFds(d))
	assert.Equal(t, uint64(2), d.Stats().Accepted)

	d.runTick()
	assert.Equal(t, []int{10, 11, 12}, pendingFds(d))
	assert.Equal(t, uint64(3), d.Stats().Accepted)
	assert.Empty(t, drainEvents(d))
}

func TestPublishOverflowDisconnects(t *testing.T) {
	d, nf, _ := newTestDispatcher(t, DispatcherConfig{EventQueueSize: 1}, []tickScript{
		{reads: []int{21, 22}},
	})

	first := NewConnContext(21)
	second := NewConnContext(22)
	assert.NoError(t, d.Register(first, OpRead))
	assert.NoError(t, d.Register(second, OpRead))
	d.runTick()
	d.runTick() // both ready, queue holds one
	d.runTick() // disconnect sweep

	events := drainEvents(d)
	assert.Len(t, events, 1)
	assert.Same(t, first, events[0].Context)
	assert.True(t, nf.closed[22])
	assert.Empty(t, pendingFds(d))
}

func TestWorkerDisconnectHandback(t *testing.T) {
	d, nf, _ := newTestDispatcher(t, DispatcherConfig{}, []tickScript{
		{reads: []int{30}},
	})

	ctx := NewConnContext(30)
	assert.NoError(t, d.Register(ctx, OpRead))
	d.runTick()
	d.runTick()

	events := drainEvents(d)
	assert.Len(t, events, 1)

	// the worker is done with the connection
	assert.NoError(t, d.Disconnect(ctx))
	d.runTick()
	d.runTick()

	assert.True(t, nf.closed[30])
	assert.Empty(t, pendingFds(d))
}

func TestWriteBiasOnAccept(t *testing.T) {
	d, nf, _ := newTestDispatcher(t, DispatcherConfig{ListenerFd: 100, Bias: OpWrite}, []tickScript{
		{reads: []int{100}},
		{writes: []int{40}},
	})
	nf.acceptQueue = []int{40}

	d.runTick() // accept, armed for write first
	d.runTick()

	events := drainEvents(d)
	assert.Len(t, events, 1)
	assert.Equal(t, OpWrite, events[0].Operation)
	assert.Equal(t, 40, events[0].Context.Fd())
}
