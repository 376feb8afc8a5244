//go:build linux
// +build linux

package questdb

import (
	"os"

	"golang.org/x/sys/unix"
)

const readReadyEvents = unix.POLLIN | unix.POLLPRI | unix.POLLERR | unix.POLLHUP
const writeReadyEvents = unix.POLLOUT | unix.POLLERR | unix.POLLHUP

// pollBackend drives readiness off poll(2). The fd arrays map one to one
// onto pollfd entries, so duplicates are fine and there is no FD_SETSIZE
// cap. Descriptors closed between ticks come back as POLLNVAL and are
// dropped from the rewritten sets.
type pollBackend struct {
	pfds []unix.PollFd
}

func NewPollBackend() ReadinessBackend {
	return &pollBackend{pfds: make([]unix.PollFd, 0, defEventsBufferSize)}
}

func (b *pollBackend) Wait(read, write *FDSet, timeoutMicros int64) (int, error) {
	nr := read.Count()
	nw := write.Count()
	b.pfds = b.pfds[:0]
	for i := 0; i < nr; i++ {
		b.pfds = append(b.pfds, unix.PollFd{Fd: int32(read.Get(i)), Events: unix.POLLIN | unix.POLLPRI})
	}
	for i := 0; i < nw; i++ {
		b.pfds = append(b.pfds, unix.PollFd{Fd: int32(write.Get(i)), Events: unix.POLLOUT})
	}
	if len(b.pfds) == 0 {
		read.SetCount(0)
		write.SetCount(0)
		return 0, nil
	}

	n, err := unix.Poll(b.pfds, int(timeoutMicros/1000))
	if err == unix.EINTR {
		n, err = 0, nil
	}
	if err != nil {
		read.SetCount(0)
		write.SetCount(0)
		return -1, os.NewSyscallError("poll", err)
	}

	read.Reset()
	write.Reset()
	readReady, writeReady := 0, 0
	if n > 0 {
		for i := range b.pfds {
			revents := b.pfds[i].Revents
			if revents == 0 || revents&unix.POLLNVAL != 0 {
				continue
			}
			if i < nr {
				if revents&readReadyEvents != 0 {
					read.Add(int(b.pfds[i].Fd))
					readReady++
				}
			} else if revents&writeReadyEvents != 0 {
				write.Add(int(b.pfds[i].Fd))
				writeReady++
			}
		}
	}
	read.SetCount(readReady)
	write.SetCount(writeReady)
	return readReady + writeReady, nil
}

func (b *pollBackend) Close() error {
	b.pfds = nil
	return nil
}
