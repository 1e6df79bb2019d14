package exception

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
)

func quiet(t *testing.T) {
	t.Helper()
	fatal.SetOutput(io.Discard)
	t.Cleanup(func() { fatal.SetOutput(nil) })
}

// TestThrowRelease tests the Clear → Raised → Clear cycle.
func TestThrowRelease(t *testing.T) {
	s := NewSignal(1)
	assert.Equal(t, Clear, s.State())
	assert.False(t, s.Raised())

	s.ThrowNative()
	assert.True(t, s.Raised())
	assert.Equal(t, Raised, s.State())
	assert.Equal(t, ReasonManaged, s.Reason())

	assert.Equal(t, ReasonManaged, s.ReleaseNative())
	assert.Equal(t, Clear, s.State())
	assert.Equal(t, ReasonNone, s.Reason())
	assert.Equal(t, uint64(1), s.Raises())
}

// TestSecondReleaseIsFatal tests that a release with nothing pending is flagged.
func TestSecondReleaseIsFatal(t *testing.T) {
	quiet(t)

	s := NewSignal(2)
	s.ThrowNative()
	s.ReleaseNative()

	e := fatal.Recover(func() { s.ReleaseNative() })
	require.NotNil(t, e)
	assert.Equal(t, fatal.KindUnpairedRelease, e.Kind)
	assert.Equal(t, uint16(2), e.Worker)
	assert.Equal(t, Clear, s.State())
}

func TestReleaseWithoutThrowIsFatal(t *testing.T) {
	quiet(t)

	e := fatal.Recover(func() { NewSignal(1).ReleaseNative() })
	require.NotNil(t, e)
	assert.Equal(t, fatal.KindUnpairedRelease, e.Kind)
}

func TestDoubleThrowIsFatal(t *testing.T) {
	quiet(t)

	s := NewSignal(3)
	s.Raise(ReasonOutOfMemory)

	e := fatal.Recover(func() { s.ThrowNative() })
	require.NotNil(t, e)
	assert.Equal(t, fatal.KindDoubleThrow, e.Kind)
	assert.Contains(t, e.Msg, "out of memory")
	assert.Equal(t, ReasonOutOfMemory, s.Reason(), "pending reason preserved")
}

func TestReasons(t *testing.T) {
	tests := []struct {
		reason Reason
		want   string
	}{
		{ReasonNone, "none"},
		{ReasonManaged, "managed"},
		{ReasonOutOfMemory, "out of memory"},
		{ReasonOverflow, "overflow"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			s := NewSignal(1)
			assert.Equal(t, tt.want, tt.reason.String())
			if tt.reason == ReasonNone {
				return
			}
			s.Raise(tt.reason)
			assert.Equal(t, tt.reason, s.ReleaseNative())
		})
	}
}

// TestWorkersIndependent tests that concurrent workers never see each other's flag.
func TestWorkersIndependent(t *testing.T) {
	const workers = 8
	signals := make([]*Signal, workers)
	for i := range signals {
		signals[i] = NewSignal(uint16(i))
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(s *Signal) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.ThrowNative()
				if !s.Raised() {
					panic("lost raise")
				}
				s.ReleaseNative()
			}
		}(signals[i])
	}
	wg.Wait()

	for _, s := range signals {
		assert.Equal(t, Clear, s.State())
		assert.Equal(t, uint64(1000), s.Raises())
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Clear", Clear.String())
	assert.Equal(t, "Raised", Raised.String())
}
