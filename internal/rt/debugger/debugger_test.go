package debugger

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

func keys(l *List[int]) []int {
	var out []int
	l.Each(func(_ uuid.UUID, v int) bool {
		out = append(out, v)
		return true
	})
	return out
}

func TestListAppendRemove(t *testing.T) {
	l := NewList[int]()
	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
		_, ok := l.Append(ids[i], i)
		require.True(t, ok)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, keys(l))

	tests := []struct {
		name   string
		remove int
		want   []int
	}{
		{"middle", 1, []int{0, 2, 3}},
		{"head", 0, []int{2, 3}},
		{"tail", 3, []int{2}},
		{"last", 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := l.Remove(ids[tt.remove])
			require.True(t, ok)
			assert.Equal(t, tt.remove, v)
			assert.Equal(t, tt.want, keys(l))
		})
	}

	_, ok := l.Remove(ids[0])
	assert.False(t, ok, "second remove")
	assert.Equal(t, 0, l.Len())
}

func TestListDuplicateKey(t *testing.T) {
	l := NewList[int]()
	key := uuid.New()

	_, ok := l.Append(key, 1)
	require.True(t, ok)
	h, ok := l.Append(key, 2)
	assert.False(t, ok)
	assert.Equal(t, None, h)

	v, _ := l.Get(key)
	assert.Equal(t, 1, v)
}

func TestListReusesSlots(t *testing.T) {
	l := NewList[int]()
	a, b := uuid.New(), uuid.New()

	ha, _ := l.Append(a, 1)
	l.Remove(a)
	hb, _ := l.Append(b, 2)
	assert.Equal(t, ha, hb)

	key, v := l.At(hb)
	assert.Equal(t, b, key)
	assert.Equal(t, 2, v)
	assert.Len(t, l.nodes, 1)
}

func TestListsReport(t *testing.T) {
	d := NewLists()
	b1, b2, h1 := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, d.AddProtectedBuffer(b1, Buffer{Addr: 0x1000, Size: 64}))
	require.NoError(t, d.AddProtectedBuffer(b2, Buffer{Addr: 0x2000, Size: 16}))
	require.NoError(t, d.AddOwnedHandle(h1, OwnedHandle{Object: 0x3000}))
	assert.ErrorIs(t, d.AddOwnedHandle(h1, OwnedHandle{Object: 0x4000}), ErrDuplicateKey)

	r := d.Report()
	assert.Equal(t, []Buffer{{0x1000, 64}, {0x2000, 16}}, r.Buffers)
	assert.Equal(t, []OwnedHandle{{0x3000}}, r.Handles)

	b, ok := d.RemoveProtectedBuffer(b1)
	require.True(t, ok)
	assert.Equal(t, linmem.Addr(0x1000), b.Addr)
	_, ok = d.RemoveOwnedHandle(h1)
	require.True(t, ok)

	bufs, handles := d.Len()
	assert.Equal(t, 1, bufs)
	assert.Equal(t, 0, handles)
}

func TestSafepointBlocksMutation(t *testing.T) {
	d := NewLists()
	key := uuid.New()

	entered := make(chan struct{})
	release := make(chan struct{})
	added := make(chan struct{})

	go d.Safepoint(func(r Report) {
		assert.Empty(t, r.Buffers)
		close(entered)
		<-release
	})
	<-entered

	go func() {
		assert.NoError(t, d.AddProtectedBuffer(key, Buffer{Addr: 0x100, Size: 4}))
		close(added)
	}()

	select {
	case <-added:
		t.Fatal("registration completed during safepoint")
	default:
	}
	close(release)
	<-added

	bufs, _ := d.Len()
	assert.Equal(t, 1, bufs)
}

func TestListsConcurrent(t *testing.T) {
	d := NewLists()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := uuid.New()
				if err := d.AddOwnedHandle(key, OwnedHandle{Object: 0x10}); err != nil {
					panic(err)
				}
				d.Report()
				if _, ok := d.RemoveOwnedHandle(key); !ok {
					panic("lost handle")
				}
			}
		}()
	}
	wg.Wait()

	_, handles := d.Len()
	assert.Equal(t, 0, handles)
}

func sampleHeader() *Header {
	h := NewHeader()
	h.AddSize("AllocContext", 8)
	h.AddField("AllocContext", "Ptr", 0)
	h.AddField("AllocContext", "Limit", 4)
	h.AddGlobal("HeapLo", 0x20000)
	h.AddDefine("CardShift", "9")
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader()
	data, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte("NADH"), data[:4])
	assert.Equal(t, []byte{1, 0, 0, 0}, data[4:8], "major 1, minor 0, little-endian")

	var got Header
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, h, &got)
	assert.Equal(t, 4, got.PointerSize())
}

func TestHeader8BytePointers(t *testing.T) {
	h := sampleHeader()
	h.Flags = FlagPointer8
	h.Globals[0].Address = 1 << 40

	data, err := h.MarshalBinary()
	require.NoError(t, err)

	var got Header
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, uint64(1<<40), got.Globals[0].Address)
}

func TestHeaderAddressTooWide(t *testing.T) {
	h := NewHeader()
	h.AddGlobal("far", 1<<33)
	_, err := h.MarshalBinary()
	assert.Error(t, err)
}

func TestHeaderDecodeErrors(t *testing.T) {
	good, err := sampleHeader().MarshalBinary()
	require.NoError(t, err)

	badMajor := append([]byte(nil), good...)
	badMajor[4] = 2

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"cookie", append([]byte("XXXX"), good[4:]...)},
		{"major", badMajor},
		{"truncated", good[:len(good)-1]},
		{"trailing", append(append([]byte(nil), good...), 0)},
		{"huge count", append(append([]byte(nil), good[:16]...), 0xff, 0xff, 0xff, 0xff)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h Header
			assert.Error(t, h.UnmarshalBinary(tt.data))
		})
	}
}

func TestHeaderCompatible(t *testing.T) {
	h := NewHeader()
	assert.Equal(t, "v1.0.0", h.Version())
	assert.True(t, h.Compatible("v1.4.2"))
	assert.False(t, h.Compatible("v2.0.0"))
	assert.False(t, h.Compatible("1.0.0"), "not a semantic version")
}
