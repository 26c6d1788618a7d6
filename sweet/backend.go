package sweet

// encoderBackend is the minimal capability SweetDisplayEncoder needs from
// an underlying H.264 encoder. Isolating it behind this small interface
// keeps the worker loop, alignment math, and compositing logic (the parts
// spec.md's testable properties are actually about) unit-testable without
// a real libx264/cgo dependency; newX264Backend (x264_adapter.go) is the one
// concrete, cgo-backed implementation used outside tests.
type encoderBackend interface {
	// Encode feeds one whole-frame I420 picture at the given presentation
	// timestamp and returns the Annex-B NAL sequence produced, or a nil
	// slice if the encoder produced nothing this tick (negative size in
	// the underlying x264 API).
	Encode(pic *i420Picture, keyframe bool, pts int64) ([]byte, error)

	// Close releases the encoder and any pictures it owns.
	Close()
}
