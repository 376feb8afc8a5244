package questdb

import (
	"context"
	"runtime"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const defEventsBufferSize = 64

const (
	defIdleTimeout       = 5 * time.Minute
	defWaitTimeout       = 2 * time.Millisecond
	defAcceptBurst       = 16
	defInterestQueueSize = 1024
	defEventQueueSize    = 1024
)

// netFacade isolates the handful of socket calls the loop performs so tests
// can substitute a fake.
type netFacade interface {
	accept(listenerFd int) (int, error)
	close(fd int) error
	peerClosed(fd int) bool
}

type DispatcherConfig struct {
	// ListenerFd is an already-listening nonblocking socket; zero or
	// negative disables the accept path.
	ListenerFd int
	// EventCapacity sizes the initial fd set buffers; they grow by doubling.
	EventCapacity int
	// IdleTimeout evicts connections with no activity for this long.
	IdleTimeout time.Duration
	// Bias is the operation a freshly accepted connection is armed with,
	// OpRead or OpWrite. Protocols that speak first want OpWrite.
	Bias int32
	// AcceptBurst caps how many connections one tick accepts.
	AcceptBurst int
	// WaitTimeout bounds the backend wait so registrations and timeouts
	// stay responsive even with no readiness traffic.
	WaitTimeout       time.Duration
	InterestQueueSize int
	EventQueueSize    int
	// ContextFactory builds the per-connection context on accept.
	ContextFactory func(fd int) *ConnContext
	Backend        ReadinessBackend
	Clock          Clock
	LockOSThread   bool
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.EventCapacity <= 0 {
		c.EventCapacity = defEventsBufferSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defIdleTimeout
	}
	if c.Bias != OpWrite {
		c.Bias = OpRead
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = defAcceptBurst
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = defWaitTimeout
	}
	if c.InterestQueueSize <= 0 {
		c.InterestQueueSize = defInterestQueueSize
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = defEventQueueSize
	}
	if c.ContextFactory == nil {
		c.ContextFactory = NewConnContext
	}
	if c.Clock == nil {
		c.Clock = sysClock{}
	}
	return c
}

type DispatcherStats struct {
	Accepted     uint64
	Published    uint64
	Disconnected uint64
	IdleEvicted  uint64
	Timeouts     uint64
}

// Dispatcher turns a single readiness backend into a timeout-aware,
// suspend-capable event source for a pool of workers. One goroutine (Run)
// owns the pending table and both fd sets; workers talk to it only through
// Register/Disconnect and the Events channel.
type Dispatcher struct {
	cfg     DispatcherConfig
	clock   Clock
	backend ReadinessBackend
	nf      netFacade

	pending  *pendingTable
	readSet  *FDSet
	writeSet *FDSet
	ready    map[int]int32 // per-tick fd -> readiness bits

	interest    *interestQueue
	events      chan IOEvent
	disconnects *queue.Queue // contexts closed at the next tick start

	listenerFd         int
	listenerRegistered bool
	idleTimeoutMicros  int64
	waitMicros         int64

	running *atomic.Bool
	stats   DispatcherStats
}

func NewDispatcher(config DispatcherConfig) (*Dispatcher, error) {
	config = config.withDefaults()
	if config.Backend == nil {
		return nil, errNoBackend
	}
	readSet, err := NewFDSet(config.EventCapacity)
	if err != nil {
		return nil, err
	}
	writeSet, err := NewFDSet(config.EventCapacity)
	if err != nil {
		readSet.Close()
		return nil, err
	}
	d := &Dispatcher{
		cfg:               config,
		clock:             config.Clock,
		backend:           config.Backend,
		nf:                defaultNetFacade(),
		pending:           newPendingTable(config.EventCapacity),
		readSet:           readSet,
		writeSet:          writeSet,
		ready:             make(map[int]int32),
		interest:          newInterestQueue(config.InterestQueueSize),
		events:            make(chan IOEvent, config.EventQueueSize),
		disconnects:       queue.New(),
		listenerFd:        config.ListenerFd,
		idleTimeoutMicros: config.IdleTimeout.Microseconds(),
		waitMicros:        config.WaitTimeout.Microseconds(),
		running:           atomic.NewBool(false),
	}
	if d.listenerFd > 0 {
		d.listenerRegistered = true
		d.readSet.Add(d.listenerFd)
		d.readSet.SetCount(1)
	} else {
		d.readSet.SetCount(0)
	}
	d.writeSet.SetCount(0)
	return d, nil
}

// Register hands a context back to the dispatcher with renewed interest in
// operation (OpRead or OpWrite). The caller gives up ownership on a nil
// return; on ErrQueueFull ownership stays with the caller.
func (d *Dispatcher) Register(ctx *ConnContext, operation int32) error {
	return d.interest.offer(operation, ctx)
}

// Disconnect hands a context back for closing.
func (d *Dispatcher) Disconnect(ctx *ConnContext) error {
	return d.interest.offer(opDisconnect, ctx)
}

// Events is the outbound channel workers consume published operations from.
func (d *Dispatcher) Events() <-chan IOEvent {
	return d.events
}

func (d *Dispatcher) Stats() DispatcherStats {
	return d.stats
}

// Run drives ticks until the context is done or Stop is called. Unproductive
// ticks yield the processor; the backend wait timeout provides the rest of
// the backoff.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.cfg.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	d.running.Store(true)
	log.Info().Msgf("dispatcher started [listenerFd=%d]", d.listenerFd)
	for d.running.Load() && ctx.Err() == nil {
		if !d.runTick() {
			runtime.Gosched()
		}
	}
	log.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) Stop() {
	d.running.Store(false)
}

// Close releases the native fd set buffers and the backend, and closes the
// listener and any connections still pending or queued for disconnect. Call
// only after Run has returned.
func (d *Dispatcher) Close() {
	for i, n := 0, d.pending.size(); i < n; i++ {
		d.doDisconnect(d.pending.context(i), disconnectSrcWorker)
	}
	d.pending.zapTop(d.pending.size())
	d.processDisconnects()
	if d.listenerFd > 0 {
		if err := d.nf.close(d.listenerFd); err != nil {
			log.Error().Msgf("got error while closing listener: %+v", err)
		}
	}
	d.readSet.Close()
	d.writeSet.Close()
	if err := d.backend.Close(); err != nil {
		log.Error().Msgf("got error while closing readiness backend: %+v", err)
	}
}

// runTick executes one pass of the dispatch state machine and reports
// whether it did any useful work.
func (d *Dispatcher) runTick() bool {
	now := d.clock.Micros()
	useful := d.processDisconnects()

	submittedRead := d.readSet.Count()
	submittedWrite := d.writeSet.Count()

	count := 0
	if submittedRead > 0 || submittedWrite > 0 {
		var err error
		count, err = d.backend.Wait(d.readSet, d.writeSet, d.waitMicros)
		if err != nil || count < 0 {
			log.Error().Msgf("readiness wait failure: %+v", err)
			return false
		}
	}

	for fd := range d.ready {
		delete(d.ready, fd)
	}

	// rows at or above the watermark were added by this tick's accept path
	// and carry fresh timestamps
	watermark := d.pending.size()
	if count > 0 {
		if !d.queryFdSets(now, submittedRead, submittedWrite) {
			// the sets hold garbage; zero the counts so the next tick
			// skips the wait and re-arms everything from the pending table
			d.readSet.SetCount(0)
			d.writeSet.SetCount(0)
			return false
		}
		useful = true
	}

	d.readSet.Reset()
	d.writeSet.Reset()
	readCount, writeCount := 0, 0

	// correlate readiness with pending rows and re-arm the survivors
	for i, n := 0, watermark; i < n; {
		ctx := d.pending.context(i)
		fd := d.pending.fd(i)
		bits := d.ready[fd]

		if tok := d.checkSuspended(now, ctx); tok != nil {
			// watch read-only while suspended, purely for disconnect
			// detection
			if bits&OpRead != 0 && d.nf.peerClosed(fd) {
				d.doDisconnect(ctx, disconnectSrcPeer)
				d.pending.deleteRow(i)
				n--
				watermark--
				useful = true
				continue
			}
			d.readSet.Add(fd)
			readCount++
			i++
			continue
		}

		if bits != 0 {
			d.publishReadiness(now, ctx, bits)
			d.pending.deleteRow(i)
			n--
			watermark--
			useful = true
			continue
		}

		// not ready: keep the row, re-deriving read vs write from the
		// stored operation so a suspend cleared above takes effect now
		if d.pending.op(i)&OpWrite != 0 {
			d.writeSet.Add(fd)
			writeCount++
		} else {
			d.readSet.Add(fd)
			readCount++
		}
		i++
	}

	// arm descriptors for connections accepted this tick
	for i, n := watermark, d.pending.size(); i < n; i++ {
		fd := d.pending.fd(i)
		if d.checkSuspended(now, d.pending.context(i)) != nil {
			d.readSet.Add(fd)
			readCount++
		} else if d.pending.op(i)&OpWrite != 0 {
			d.writeSet.Add(fd)
			writeCount++
		} else {
			d.readSet.Add(fd)
			readCount++
		}
	}

	// idle eviction: the table is timestamp-ordered, so the scan stops at
	// the first row younger than the deadline
	deadline := now - d.idleTimeoutMicros
	if d.pending.size() > 0 && d.pending.timestamp(0) < deadline {
		evicted := 0
		for i, n := 0, d.pending.size(); i < n && d.pending.timestamp(i) < deadline; i++ {
			d.doDisconnect(d.pending.context(i), disconnectSrcPeer)
			d.stats.IdleEvicted++
			evicted++
		}
		d.pending.zapTop(evicted)
		if watermark > evicted {
			watermark -= evicted
		} else {
			watermark = 0
		}
		useful = true
	}

	// explicit per-connection timers, independent of the idle timeout
	for i := watermark - 1; i >= 0; i-- {
		ctx := d.pending.context(i)
		if ctx.timedOut(now) {
			d.stats.Timeouts++
			d.publish(OpTimeout, ctx)
			d.pending.deleteRow(i)
			useful = true
		}
	}

	if d.processRegistrations(now, &readCount, &writeCount) {
		useful = true
	}

	if d.listenerRegistered {
		d.readSet.Add(d.listenerFd)
		readCount++
	}
	d.readSet.SetCount(readCount)
	d.writeSet.SetCount(writeCount)
	return useful
}

// queryFdSets classifies the ready descriptors the backend reported. A
// ready count exceeding the submitted count means the backend contract was
// violated; the tick's correlate phase is aborted rather than read past the
// submitted slots.
func (d *Dispatcher) queryFdSets(now int64, submittedRead, submittedWrite int) bool {
	nr := d.readSet.Count()
	nw := d.writeSet.Count()
	if nr > submittedRead || nw > submittedWrite {
		log.Error().Msgf("%v [read=%d/%d, write=%d/%d]", errBackendCount, nr, submittedRead, nw, submittedWrite)
		return false
	}
	for i := 0; i < nr; i++ {
		fd := d.readSet.Get(i)
		if fd == d.listenerFd && d.listenerRegistered {
			d.acceptPending(now)
		} else {
			d.ready[fd] |= OpRead
		}
	}
	for i := 0; i < nw; i++ {
		d.ready[d.writeSet.Get(i)] |= OpWrite
	}
	return true
}

// acceptPending drains the listener up to the configured burst and inserts
// the new contexts straight into the pending table; the interest queue is
// bypassed because accept already runs on the dispatcher goroutine.
func (d *Dispatcher) acceptPending(now int64) {
	for i := 0; i < d.cfg.AcceptBurst; i++ {
		fd, err := d.nf.accept(d.listenerFd)
		if err != nil {
			log.Error().Msgf("got error while accepting connection: %+v", err)
			return
		}
		if fd < 0 {
			return
		}
		if log.Debug().Enabled() {
			log.Debug().Msgf("[%d] accepted connection", fd)
		}
		ctx := d.cfg.ContextFactory(fd)
		ctx.lastActivity = now
		r := d.pending.addRow()
		d.pending.setTimestamp(r, now)
		d.pending.setFd(r, fd)
		d.pending.setOp(r, d.cfg.Bias)
		d.pending.setContext(r, ctx)
		d.stats.Accepted++
	}
}

// processRegistrations drains the interest queue exhaustively, bounding
// registration staleness to one tick.
func (d *Dispatcher) processRegistrations(now int64, readCount, writeCount *int) bool {
	useful := false
	for {
		ev, ok := d.interest.poll()
		if !ok {
			return useful
		}
		useful = true
		ctx := ev.context
		if ev.operation&opDisconnect != 0 {
			d.doDisconnect(ctx, disconnectSrcWorker)
			continue
		}
		ctx.lastActivity = now
		r := d.pending.addRow()
		d.pending.setTimestamp(r, now)
		d.pending.setFd(r, ctx.fd)
		d.pending.setOp(r, ev.operation)
		d.pending.setContext(r, ctx)

		if d.checkSuspended(now, ctx) != nil {
			// suspended: watch read-only for disconnect detection
			d.readSet.Add(ctx.fd)
			(*readCount)++
		} else if ev.operation&OpWrite != 0 {
			d.writeSet.Add(ctx.fd)
			(*writeCount)++
		} else {
			d.readSet.Add(ctx.fd)
			(*readCount)++
		}
	}
}

// checkSuspended returns the context's suspend token if it is still
// unresolved, clearing tokens that have triggered or passed their deadline
// so the row falls through to normal handling this same tick.
func (d *Dispatcher) checkSuspended(now int64, ctx *ConnContext) *SuspendToken {
	tok := ctx.suspend
	if tok == nil {
		return nil
	}
	if tok.Triggered() || tok.deadlineMet(now) {
		ctx.clearSuspend()
		return nil
	}
	return tok
}

// publishReadiness publishes a separate event per ready direction. When the
// connection has also exceeded its explicit timer, the TIMEOUT flag rides
// the first event only: read is correlated first, so a simultaneously
// read-ready and write-ready connection carries the flag on the READ
// publish and the WRITE publish stays flag-free.
func (d *Dispatcher) publishReadiness(now int64, ctx *ConnContext, bits int32) {
	timeout := ctx.timedOut(now)
	if bits&OpRead != 0 {
		op := OpRead
		if timeout {
			op |= OpTimeout
			timeout = false
			d.stats.Timeouts++
		}
		if !d.publish(op, ctx) {
			return
		}
	}
	if bits&OpWrite != 0 {
		op := OpWrite
		if timeout {
			op |= OpTimeout
			d.stats.Timeouts++
		}
		d.publish(op, ctx)
	}
}

// publish transfers ownership of the context to a worker. The dispatcher
// never blocks here: if the event queue is saturated the publish is dropped
// and the connection disconnected instead, keeping the
// published-or-disconnected-exactly-once invariant.
func (d *Dispatcher) publish(operation int32, ctx *ConnContext) bool {
	select {
	case d.events <- IOEvent{Operation: operation, Context: ctx}:
		d.stats.Published++
		return true
	default:
		log.Error().Msgf("[%d] event queue is full, disconnecting", ctx.fd)
		d.doDisconnect(ctx, disconnectSrcQueueFull)
		return false
	}
}

// doDisconnect schedules the context for closing at the start of the next
// tick so resource release never delays the wait call.
func (d *Dispatcher) doDisconnect(ctx *ConnContext, src int) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] scheduling disconnect [src=%s]", ctx.fd, disconnectSrcNames[src])
	}
	ctx.clearSuspend()
	d.disconnects.Add(ctx)
	d.stats.Disconnected++
}

func (d *Dispatcher) processDisconnects() bool {
	useful := false
	for d.disconnects.Length() > 0 {
		ctx := d.disconnects.Remove().(*ConnContext)
		if ctx.fd > 0 {
			if err := d.nf.close(ctx.fd); err != nil {
				log.Error().Msgf("[%d] got error while closing connection: %+v", ctx.fd, err)
			}
			ctx.fd = -1
		}
		useful = true
	}
	return useful
}
