package sweet

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend records every Encode call without touching cgo, so these
// tests exercise SweetDisplayEncoder's own logic in isolation.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []fakeCall
	closed  bool
	nalByte byte
}

type fakeCall struct {
	keyframe bool
	pts      int64
	y, u, v  []byte
}

func (f *fakeBackend) Encode(pic *i420Picture, keyframe bool, pts int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, fakeCall{
		keyframe: keyframe,
		pts:      pts,
		y:        append([]byte{}, pic.y...),
		u:        append([]byte{}, pic.u...),
		v:        append([]byte{}, pic.v...),
	})

	return []byte{f.nalByte}, nil
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func newTestEncoder(t *testing.T, width, height, bpp int) (*SweetDisplayEncoder, *fakeBackend) {
	t.Helper()

	backend := &fakeBackend{nalByte: 0xAA}

	e := &SweetDisplayEncoder{
		width:        width,
		height:       height,
		bpp:          bpp,
		stride:       width * (bpp / 8),
		screenBitmap: make([]byte, width*(bpp/8)*height),
		input:        newI420Picture(width, height),
		backend:      backend,
		workerDone:   make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	go e.encodeLoop()
	t.Cleanup(e.Close)

	return e, backend
}

func waitForCalls(t *testing.T, backend *fakeBackend, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if backend.callCount() >= n {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for %d encode call(s), got %d", n, backend.callCount())
}

func TestStartForcesKeyframeAndFullScreenSlice(t *testing.T) {
	t.Parallel()

	e, backend := newTestEncoder(t, 16, 16, 32)

	var received atomic.Int32

	e.Start(func(payload []byte) {
		received.Add(1)
	})

	waitForCalls(t, backend, 1)

	require.True(t, backend.calls[0].keyframe)
	// the all-black screen converts to Y=16; the zero-initialised input
	// picture only holds that everywhere if the full-screen slice was drawn.
	require.Equal(t, bytes.Repeat([]byte{16}, 16*16), backend.calls[0].y)
	require.Positive(t, received.Load())
}

func TestStopSuppressesCallback(t *testing.T) {
	t.Parallel()

	e, backend := newTestEncoder(t, 16, 16, 32)

	var received atomic.Int32
	e.Start(func(payload []byte) { received.Add(1) })
	waitForCalls(t, backend, 1)

	e.Stop()

	before := received.Load()
	e.ForceKeyframe()
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, before, received.Load())
}

func TestRenderWhileStoppedUpdatesBitmapWithoutEnqueueing(t *testing.T) {
	t.Parallel()

	e, _ := newTestEncoder(t, 16, 16, 32)

	partial := DisplayPartialBitmap{
		X: 0, Y: 0, Width: 4, Height: 2, Stride: 16,
		Vector: []Segment{{Base: bytes.Repeat([]byte{0x5A}, 32), Len: 32}},
	}
	e.Render([]DisplayPartialBitmap{partial})

	e.mu.Lock()
	n := len(e.encodeSlices)
	e.mu.Unlock()

	require.Zero(t, n)
	require.Equal(t, byte(0x5A), e.screenBitmap[0])
	require.Equal(t, byte(0x5A), e.screenBitmap[e.stride])
}

func TestRenderAlignsAndEnqueuesSliceWhenStarted(t *testing.T) {
	t.Parallel()

	e, backend := newTestEncoder(t, 1920, 1080, 32)

	e.Start(func([]byte) {})
	waitForCalls(t, backend, 1) // drains the initial full-screen slice

	partial := DisplayPartialBitmap{
		X: 3, Y: 7, Width: 10, Height: 5, Stride: 10 * 4,
		Vector: []Segment{{Base: make([]byte, 10*4*5), Len: 10 * 4 * 5}},
	}
	e.Render([]DisplayPartialBitmap{partial})

	e.mu.Lock()
	require.Len(t, e.encodeSlices, 1)
	s := e.encodeSlices[0]
	e.mu.Unlock()

	require.Equal(t, 0, s.X)
	require.Equal(t, 6, s.Y)
	require.Equal(t, 16, s.Width)
	require.Equal(t, 6, s.Height)
}

func TestRenderCopiesPixelsLastWriterWins(t *testing.T) {
	t.Parallel()

	e, _ := newTestEncoder(t, 16, 16, 32)

	row := make([]byte, 16*4)
	for i := range row {
		row[i] = 0x11
	}

	partial1 := DisplayPartialBitmap{
		X: 0, Y: 0, Width: 16, Height: 1, Stride: 16 * 4,
		Vector: []Segment{{Base: row, Len: len(row)}},
	}

	row2 := make([]byte, 16*4)
	for i := range row2 {
		row2[i] = 0x22
	}

	partial2 := DisplayPartialBitmap{
		X: 0, Y: 0, Width: 16, Height: 1, Stride: 16 * 4,
		Vector: []Segment{{Base: row2, Len: len(row2)}},
	}

	e.Render([]DisplayPartialBitmap{partial1, partial2})

	require.Equal(t, byte(0x22), e.screenBitmap[0])
}

func TestEncodeSlicesAreAlwaysAligned(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ x, y, w, h int }{
		{3, 7, 10, 5},
		{0, 0, 1, 1},
		{1900, 1070, 30, 20},
	} {
		ax, ay, aw, ah := alignSlice(tc.x, tc.y, tc.w, tc.h, 1920, 1080)

		require.Zero(t, ax%16)
		require.Zero(t, (ax+aw)%16, "right edge not aligned unless clamped to screen width")
		require.Zero(t, ay%2)
		require.GreaterOrEqual(t, ax, 0)
		require.LessOrEqual(t, ax+aw, 1920)
		require.LessOrEqual(t, ay+ah, 1080)
	}
}

func TestFlippedRenderCopiesBottomUp(t *testing.T) {
	t.Parallel()

	e, _ := newTestEncoder(t, 4, 4, 32)

	top := make([]byte, 4*4)
	for i := range top {
		top[i] = 1
	}

	bottom := make([]byte, 4*4)
	for i := range bottom {
		bottom[i] = 2
	}

	src := append(append([]byte{}, top...), bottom...)

	partial := DisplayPartialBitmap{
		X: 0, Y: 0, Width: 4, Height: 2, Stride: 16, Flip: true,
		Vector: []Segment{{Base: src, Len: len(src)}},
	}
	e.Render([]DisplayPartialBitmap{partial})

	// flip=true: first source row lands on the last destination row.
	require.Equal(t, byte(1), e.screenBitmap[e.stride*1])
	require.Equal(t, byte(2), e.screenBitmap[e.stride*0])
}
