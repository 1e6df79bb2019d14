package stamp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDecode(t *testing.T) {
	tests := []struct {
		name       string
		worker     uint16
		seq        uint64
		wantWorker uint16
		wantSeq    uint64
	}{
		{"zero", 0, 0, 0, 0},
		{"small", 5, 18, 5, 18},
		{"max worker", 65535, 1, 65535, 1},
		{"max seq", 1, SeqMask, 1, SeqMask},
		{"seq wraps", 2, SeqMask + 3, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.worker, tt.seq)
			worker, seq := s.Decode()
			assert.Equal(t, tt.wantWorker, worker)
			assert.Equal(t, tt.wantSeq, seq)
			assert.Equal(t, tt.wantWorker, s.Worker())
			assert.Equal(t, tt.wantSeq, s.Seq())
		})
	}
}

func TestLayout(t *testing.T) {
	assert.Equal(t, Stamp(0x0005_0000_0000_0012), New(5, 18))
}

func TestString(t *testing.T) {
	assert.Equal(t, "42@5", New(5, 42).String())
	assert.Equal(t, "0@0", New(0, 0).String())
}

func TestDistinct(t *testing.T) {
	assert.NotEqual(t, New(1, 7), New(2, 7))
	assert.NotEqual(t, New(1, 7), New(1, 8))
}
