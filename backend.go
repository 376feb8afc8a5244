package questdb

// ReadinessBackend abstracts the OS primitive that blocks until one or more
// submitted descriptors become ready. The contract is select()-style and
// array-shaped: the caller arms both sets (descriptors appended, count
// header set to the submitted size), Wait blocks for at most timeoutMicros,
// and on return each set holds only its ready descriptors with the count
// header rewritten to the ready count. The returned total is the number of
// ready descriptors across both sets; classification still requires walking
// the sets. Backends differing in submission shape plug in here while the
// tick algorithm stays shared.
type ReadinessBackend interface {
	Wait(read, write *FDSet, timeoutMicros int64) (int, error)
	Close() error
}
