package questdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFDSetGrowth(t *testing.T) {
	s, err := NewFDSet(2)
	assert.NoError(t, err)
	defer s.Close()

	for fd := 100; fd < 109; fd++ {
		s.Add(fd)
	}
	assert.Equal(t, 9, s.Submitted())
	for i := 0; i < 9; i++ {
		assert.Equal(t, 100+i, s.Get(i))
	}
}

func TestFDSetCountIndependentOfCapacity(t *testing.T) {
	s, err := NewFDSet(2)
	assert.NoError(t, err)
	defer s.Close()

	s.Add(5)
	s.Add(6)
	s.SetCount(2)
	assert.Equal(t, 2, s.Count())

	// growth must not disturb the externally-set count
	s.Add(7)
	s.Add(8)
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, 4, s.Submitted())

	s.SetCount(4)
	assert.Equal(t, 4, s.Count())
}

func TestFDSetReset(t *testing.T) {
	s, err := NewFDSet(4)
	assert.NoError(t, err)
	defer s.Close()

	s.Add(10)
	s.Add(11)
	s.SetCount(2)
	s.Reset()
	assert.Equal(t, 0, s.Submitted())
	// the count header is rewritten explicitly, not by Reset
	assert.Equal(t, 2, s.Count())

	s.Add(12)
	assert.Equal(t, 12, s.Get(0))
	assert.Equal(t, 1, s.Submitted())
}

func TestFDSetCloseIdempotent(t *testing.T) {
	s, err := NewFDSet(1)
	assert.NoError(t, err)
	s.Close()
	s.Close()
}
