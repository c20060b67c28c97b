package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndFormat(t *testing.T) {
	assert := assert.New(t)

	ops := make([]Op, 2)
	start := time.Now().Add(-2 * time.Millisecond)
	ops[0].Record(start)
	ops[0].Record(start)
	assert.Equal(uint32(2), ops[0].Count())
	assert.Equal(uint32(0), ops[1].Count())
	assert.True(ops[0].MicrosPerOp() >= 2000)

	s := FormatTable([]string{"read", "write"}, ops)
	assert.Contains(s, "read")
	assert.NotContains(s, "write")
	assert.Contains(s, "total")

	ops[0].Reset()
	assert.Equal(uint32(0), ops[0].Count())
	assert.Equal(float64(0), ops[0].MicrosPerOp())
}

func TestMismatchedNamesPanics(t *testing.T) {
	assert.Panics(t, func() {
		FormatTable([]string{"a"}, make([]Op, 2))
	})
}
