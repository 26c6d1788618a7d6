package sweet

import (
	"fmt"

	"github.com/gen2brain/x264-go/x264"
)

// x264Backend adapts github.com/gen2brain/x264-go's cgo bindings (the
// ecosystem stand-in for the teacher's named-but-out-of-scope x264
// collaborator — SPEC_FULL.md §3) to encoderBackend. The libyuv half
// (RGB->I420) is implemented in yuv.go, not here.
//
// The constructor below translates every field
// original_source/mvisor/sweet/display_encoder.cc sets on x264_param_t
// into the equivalent x264.Params field, including the always-on
// zerolatency tune, the CRF rate-control triple, and the fixed
// i_keyint_min/max of 7200 that makes keyframes effectively
// forced-only.
type x264Backend struct {
	enc *x264.Encoder
	pic *x264.Picture
}

func newX264Backend(width, height int, config *DisplayStreamConfig) (encoderBackend, error) {
	tune := "zerolatency"
	if config.Flags&FlagFastDecode != 0 {
		tune = "zerolatency,fastdecode"
	}

	params, err := x264.NewParams(width, height, tune, config.Preset, config.Profile)
	if err != nil {
		return nil, fmt.Errorf("default preset %s: %w", config.Preset, err)
	}

	params.Csp = x264.CspI420
	params.Width = width
	params.Height = height

	params.RC.RateControl = x264.RCCRF
	params.RC.RfConstant = float64(config.Qmin)
	params.RC.VbvMaxBitrate = config.Bitrate / 1000
	params.RC.VbvBufferSize = 2 * config.Bitrate / 1000

	params.FpsNum = uint32(config.Fps)
	params.FpsDen = 1
	params.VfrInput = false
	params.RepeatHeaders = true
	params.Annexb = true
	params.LogLevel = x264.LogError
	params.Threads = config.Threads
	params.KeyintMin = 7200
	params.KeyintMax = 7200
	params.SceneCutThreshold = 0

	if config.Flags&FlagCabac != 0 {
		params.Cabac = true
	}

	if config.Flags&Flag3RefFrames != 0 {
		params.FrameReference = 3
	}

	if err := params.ApplyProfile(config.Profile); err != nil {
		return nil, fmt.Errorf("apply profile %s: %w", config.Profile, err)
	}

	pic, err := x264.NewPicture(params.Csp, width, height)
	if err != nil {
		return nil, fmt.Errorf("allocate yuv picture %dx%d: %w", width, height, err)
	}

	enc, err := x264.NewEncoder(params)
	if err != nil {
		pic.Close()

		return nil, fmt.Errorf("open encoder: %w", err)
	}

	return &x264Backend{enc: enc, pic: pic}, nil
}

func (b *x264Backend) Encode(pic *i420Picture, keyframe bool, pts int64) ([]byte, error) {
	copy(b.pic.Img.Plane[0], pic.y)
	copy(b.pic.Img.Plane[1], pic.u)
	copy(b.pic.Img.Plane[2], pic.v)
	b.pic.Pts = pts

	if keyframe {
		b.pic.Type = x264.TypeKeyframe
	} else {
		b.pic.Type = x264.TypeAuto
	}

	nal, size, err := b.enc.Encode(b.pic)
	if err != nil {
		return nil, fmt.Errorf("x264 encode: %w", err)
	}

	if size < 0 {
		return nil, nil
	}

	return nal, nil
}

func (b *x264Backend) Close() {
	b.enc.Close()
	b.pic.Close()
}
