// Package sweet implements the display-encoder pipeline: it accepts dirty
// rectangle updates from the guest display, maintains an authoritative
// screen bitmap, converts dirty tiles to I420 and composites them into a
// whole-frame YUV picture, and feeds an H.264 encoder.
//
// Grounded directly on original_source/mvisor/sweet/display_encoder.cc;
// worker lifecycle (spawn, signal+join, teardown order) grounded on
// gokvm's virtio.Blk.IOThreadEntry/kick channel and vmm.Boot's
// sync.WaitGroup goroutine-teardown discipline.
package sweet

import (
	"runtime"
	"sync"
	"time"

	"github.com/tenclass/mvisor-core/logger"
)

// OutputCallback receives one Annex-B H.264 NAL sequence. The backing
// buffer is only valid for the duration of the call; implementations must
// copy out before returning. Callbacks must not reentrantly call Render,
// Stop, or ForceKeyframe — they run under the encoder's lock.
type OutputCallback func(payload []byte)

const idleInterval = 500 * time.Millisecond

// SweetDisplayEncoder maintains an authoritative screen bitmap and streams
// H.264 frames derived from it whenever streaming is active.
type SweetDisplayEncoder struct {
	width, height int
	bpp           int
	stride        int

	screenBitmap []byte

	backend encoderBackend
	input   *i420Picture

	mu            sync.Mutex
	cond          *sync.Cond
	encodeSlices  []*EncodeSlice
	started       bool
	destroyed     bool
	forceKeyframe bool
	outputCB      OutputCallback

	pts int64

	workerDone chan struct{}
}

// NewSweetDisplayEncoder constructs the encoder: width and height must be
// even (spec.md §4.4), allocates the authoritative screen bitmap, opens
// the backing H.264 encoder from config, and starts the encode worker.
// Any backend setup failure is fatal, per spec.md §7.
func NewSweetDisplayEncoder(width, height, bpp int, config *DisplayStreamConfig) *SweetDisplayEncoder {
	logger.Assert(width%2 == 0, "SweetDisplayEncoder: width %d must be even", width)
	logger.Assert(height%2 == 0, "SweetDisplayEncoder: height %d must be even", height)

	stride := width * (bpp / 8)

	e := &SweetDisplayEncoder{
		width:        width,
		height:       height,
		bpp:          bpp,
		stride:       stride,
		screenBitmap: make([]byte, stride*height),
		input:        newI420Picture(width, height),
		workerDone:   make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	backend, err := newX264Backend(width, height, config)
	if err != nil {
		logger.Panicf("failed to initialize x264 encoder: %v", err)
	}

	e.backend = backend

	go e.encodeLoop()

	return e
}

// Start begins streaming: under lock, installs callback, forces the next
// frame to be a keyframe, and enqueues a full-screen slice so the first
// frame after Start covers the entire viewport regardless of dirty
// history.
func (e *SweetDisplayEncoder) Start(callback OutputCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.started = true
	e.forceKeyframe = true
	e.outputCB = callback
	e.enqueueSliceLocked(0, 0, e.width, e.height)
	e.cond.Signal()
}

// Stop ends streaming: under lock, clears started and the callback. Any
// already-queued slices are left in place — see DESIGN.md's Open Question
// decision: a subsequent Start enqueues a new full-screen slice on top of
// whatever is still queued, rather than discarding that work.
func (e *SweetDisplayEncoder) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.started = false
	e.outputCB = nil
}

// ForceKeyframe requests that the next encoded frame be an IDR.
func (e *SweetDisplayEncoder) ForceKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.forceKeyframe = true
	e.cond.Signal()
}

// Render copies each partial's pixels into the authoritative screen
// bitmap, honoring flip and the scatter-gather source vector, then — only
// if streaming is active — enqueues an aligned EncodeSlice covering
// exactly that partial's rectangle.
func (e *SweetDisplayEncoder) Render(partials []DisplayPartialBitmap) {
	e.mu.Lock()
	defer e.mu.Unlock()

	enqueued := false

	for i := range partials {
		e.renderPartialLocked(&partials[i])

		if e.started {
			e.enqueueSliceLocked(partials[i].X, partials[i].Y, partials[i].Width, partials[i].Height)
			enqueued = true
		}
	}

	if enqueued {
		e.cond.Signal()
	}
}

// renderPartialLocked copies one partial's pixels into screen_bitmap. The
// caller must hold e.mu.
func (e *SweetDisplayEncoder) renderPartialLocked(partial *DisplayPartialBitmap) {
	bytesPerPixel := e.bpp / 8
	lineSize := partial.Width * bytesPerPixel

	dstStride := e.stride
	dstOffset := 0

	if partial.Flip {
		dstOffset = e.stride*(partial.Y+partial.Height-1) + partial.X*bytesPerPixel
		dstStride = -e.stride
	} else {
		dstOffset = e.stride*partial.Y + partial.X*bytesPerPixel
	}

	dstEnd := len(e.screenBitmap)

	lines := partial.Height
	srcIndex := 0

	for lines > 0 && srcIndex < len(partial.Vector) {
		seg := partial.Vector[srcIndex]
		srcOffset := 0
		copyLines := seg.Len / partial.Stride

		for copyLines > 0 && lines > 0 {
			logger.Assert(dstOffset+lineSize <= dstEnd && dstOffset >= 0,
				"Render: destination overrun at offset %d (end %d)", dstOffset, dstEnd)

			copy(e.screenBitmap[dstOffset:dstOffset+lineSize], seg.Base[srcOffset:srcOffset+lineSize])

			srcOffset += partial.Stride
			dstOffset += dstStride
			copyLines--
			lines--
		}

		srcIndex++
	}
}

// enqueueSliceLocked aligns (x, y, width, height) outward and enqueues an
// EncodeSlice covering the result. Caller must hold e.mu.
func (e *SweetDisplayEncoder) enqueueSliceLocked(x, y, width, height int) {
	ax, ay, aw, ah := alignSlice(x, y, width, height, e.width, e.height)

	e.encodeSlices = append(e.encodeSlices, &EncodeSlice{X: ax, Y: ay, Width: aw, Height: ah})
}

// Close tears the encoder down: signals the worker to exit, joins it, then
// closes the backend. Joining the worker is mandatory before any state it
// touches is freed.
func (e *SweetDisplayEncoder) Close() {
	e.mu.Lock()
	e.destroyed = true
	e.cond.Signal()
	e.mu.Unlock()

	<-e.workerDone

	e.backend.Close()
}

// encodeLoop is the single encode worker thread.
func (e *SweetDisplayEncoder) encodeLoop() {
	runtime.LockOSThread()
	logger.NameThread("sweet-encoder")
	defer close(e.workerDone)

	for {
		e.mu.Lock()

		if !e.destroyed && len(e.encodeSlices) == 0 {
			e.waitWithTimeout(idleInterval)
		}

		if e.destroyed {
			e.mu.Unlock()

			return
		}

		if !e.started {
			e.mu.Unlock()

			continue
		}

		var slices []*EncodeSlice
		if len(e.encodeSlices) > 0 {
			slices = e.encodeSlices
			e.encodeSlices = nil
		}

		if slices != nil {
			e.convertSlices(slices)
		}

		e.mu.Unlock()

		if slices != nil {
			e.drawSlices(slices)
		}

		nal, ok := e.encodeOneFrame()

		e.mu.Lock()
		if ok && e.outputCB != nil {
			e.outputCB(nal)
		}
		e.mu.Unlock()
	}
}

// waitWithTimeout blocks on e.cond for at most d. The caller must hold
// e.mu; it is held again on return. sync.Cond has no native timed wait, so
// this spins a timer goroutine that signals the same cond, the common Go
// idiom for bounding a condition-variable wait.
func (e *SweetDisplayEncoder) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		e.mu.Lock()
		e.cond.Signal()
		e.mu.Unlock()
	})
	defer timer.Stop()

	e.cond.Wait()
}

// convertSlices converts each slice's RGB rectangle (from screen_bitmap)
// into its own I420 picture, using the 24- or 32-bit path based on bpp. The
// caller must hold e.mu: screen_bitmap is shared with Render and must not be
// read after the lock is released.
func (e *SweetDisplayEncoder) convertSlices(slices []*EncodeSlice) {
	start := time.Now()

	for _, slice := range slices {
		slice.yuv = newI420Picture(slice.Width, slice.Height)

		bytesPerPixel := e.bpp / 8
		srcOffset := e.stride*slice.Y + slice.X*bytesPerPixel

		convertRGBToI420(e.screenBitmap[srcOffset:], e.stride, slice.Width, slice.Height, e.bpp, slice.yuv)
	}

	logger.Logf("sweet: converted %d slice(s) in %s", len(slices), time.Since(start))
}

// drawSlices copies each slice's Y/U/V planes into input_yuv at the
// slice's offset (x,y for Y; x>>1,y>>1 and width>>1 for U/V), then frees
// the slice's own picture. Runs outside e.mu: it only touches each slice's
// own already-converted picture and input_yuv, never screen_bitmap.
func (e *SweetDisplayEncoder) drawSlices(slices []*EncodeSlice) {
	for _, slice := range slices {
		copyPlane(e.input.y, e.input.yStride, slice.X, slice.Y,
			slice.yuv.y, slice.yuv.yStride, slice.Width, slice.Height)

		copyPlane(e.input.u, e.input.chromaStride, slice.X>>1, slice.Y>>1,
			slice.yuv.u, slice.yuv.chromaStride, slice.Width>>1, slice.Height>>1)

		copyPlane(e.input.v, e.input.chromaStride, slice.X>>1, slice.Y>>1,
			slice.yuv.v, slice.yuv.chromaStride, slice.Width>>1, slice.Height>>1)

		slice.yuv = nil
	}
}

func copyPlane(dst []byte, dstStride, dstX, dstY int, src []byte, srcStride, width, height int) {
	for row := 0; row < height; row++ {
		dstOffset := (dstY+row)*dstStride + dstX
		srcOffset := row * srcStride
		copy(dst[dstOffset:dstOffset+width], src[srcOffset:srcOffset+width])
	}
}

// encodeOneFrame advances the picture timestamp, picks KEYFRAME iff
// forceKeyframe was set (clearing it), and invokes the backend. A negative
// size from the backend means this tick's encode is skipped.
func (e *SweetDisplayEncoder) encodeOneFrame() ([]byte, bool) {
	e.mu.Lock()
	keyframe := e.forceKeyframe
	e.forceKeyframe = false
	e.pts++
	pts := e.pts
	e.mu.Unlock()

	nal, err := e.backend.Encode(e.input, keyframe, pts)
	if err != nil {
		logger.Logf("sweet: encode error: %v", err)

		return nil, false
	}

	if len(nal) == 0 {
		return nil, false
	}

	return nal, true
}
