package sweet

// Flag bits for DisplayStreamConfig.Flags.
const (
	FlagFastDecode = 1 << 0
	FlagCabac      = 1 << 1
	Flag3RefFrames = 1 << 2
)

// DisplayStreamConfig is immutable for the encoder's lifetime: it is
// consumed once, at construction, to derive the x264 parameter block.
type DisplayStreamConfig struct {
	Preset  string // x264 preset name, e.g. "veryfast"
	Profile string // x264 profile name, e.g. "high"
	Qmin    int    // CRF constant
	Bitrate int    // bits/sec
	Fps     int
	Threads int
	Flags   int
}
