package questdb

import (
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// FDSet layout mirrors a select()-style descriptor array: an 8-byte count
// header followed by one 8-byte slot per descriptor. The count header is
// in/out: the dispatcher writes the submitted count before a wait call and
// the backend overwrites it with the ready count. The buffer lives in
// anonymous mmap'd memory outside the Go heap and is released exactly once
// by Close.
const (
	fdSetCountOffset = 0
	fdSetArrayOffset = 8
)

type FDSet struct {
	buf  []byte
	wptr int // byte offset of the next free slot
	size int // capacity in descriptors
}

func NewFDSet(size int) (*FDSet, error) {
	if size < 1 {
		size = 1
	}
	buf, err := unix.Mmap(-1, 0, fdSetArrayOffset+8*size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &FDSet{buf: buf, wptr: fdSetArrayOffset, size: size}, nil
}

// Add appends a descriptor, doubling capacity when the buffer is full. The
// resize is invisible to callers.
func (s *FDSet) Add(fd int) {
	if s.wptr == len(s.buf) {
		s.resize()
	}
	*(*int64)(unsafe.Pointer(&s.buf[s.wptr])) = int64(fd)
	s.wptr += 8
}

// Get returns the descriptor at slot i.
func (s *FDSet) Get(i int) int {
	return int(*(*int64)(unsafe.Pointer(&s.buf[fdSetArrayOffset+8*i])))
}

// Reset rewinds the write cursor without releasing memory.
func (s *FDSet) Reset() {
	s.wptr = fdSetArrayOffset
}

// Submitted reports how many descriptors have been appended since the last
// Reset, independent of the count header.
func (s *FDSet) Submitted() int {
	return (s.wptr - fdSetArrayOffset) / 8
}

func (s *FDSet) Count() int {
	return int(*(*int64)(unsafe.Pointer(&s.buf[fdSetCountOffset])))
}

func (s *FDSet) SetCount(count int) {
	*(*int64)(unsafe.Pointer(&s.buf[fdSetCountOffset])) = int64(count)
}

func (s *FDSet) resize() {
	sz := s.size * 2
	buf, err := unix.Mmap(-1, 0, fdSetArrayOffset+8*sz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		// same failure mode as the allocator itself running dry
		log.Fatal().Msgf("can't grow fd set to %d entries: %+v", sz, err)
	}
	copy(buf, s.buf[:s.wptr])
	if err := unix.Munmap(s.buf); err != nil {
		log.Error().Msgf("got error while releasing fd set buffer: %+v", err)
	}
	s.buf = buf
	s.size = sz
}

// Close releases the native buffer. The set must not be used afterwards.
func (s *FDSet) Close() {
	if s.buf == nil {
		return
	}
	if err := unix.Munmap(s.buf); err != nil {
		log.Error().Msgf("got error while releasing fd set buffer: %+v", err)
	}
	s.buf = nil
}
