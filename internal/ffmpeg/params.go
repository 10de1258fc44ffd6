package ffmpeg

// Params represents all parameters needed to generate an FFmpeg audio
// extraction command.
type Params struct {
	Binary     string // resolved ffmpeg path
	Input      string // video file
	Output     string // extracted audio file (.wav)
	Codec      string // pcm_s16le
	SampleRate int    // 44100
	Channels   int    // 2 = stereo
	LogLevel   string // level+info prefixes each line with its level
}

// Defaults for extraction.
const (
	DefaultCodec      = "pcm_s16le"
	DefaultSampleRate = 44100
	DefaultChannels   = 2
	DefaultLogLevel   = "level+info"
)

// NewExtractParams returns Params for a 16-bit stereo 44.1kHz extraction.
func NewExtractParams(binary, input, output string) *Params {
	return &Params{
		Binary:     binary,
		Input:      input,
		Output:     output,
		Codec:      DefaultCodec,
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		LogLevel:   DefaultLogLevel,
	}
}
