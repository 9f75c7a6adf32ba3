package msgbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameStorePackInto(t *testing.T) {
	s := NewFrameStore(nil)
	s.Add([]byte("1234"))
	s.Add([]byte("12345678"))
	s.Add([]byte("12"))

	out, packed, used := s.PackInto(nil, 10)
	assert.Equal(t, 6, used)
	assert.Equal(t, uint64(0b101), packed)
	assert.Equal(t, "123412", string(out))

	s.Cleanup(packed)
	assert.Equal(t, 1, s.Len())
}
