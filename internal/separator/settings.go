package separator

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors.
var (
	ErrUnknownQuality = errors.New("unknown quality preset")
	ErrUnknownFormat  = errors.New("unknown output format")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrInvalidModel   = errors.New("invalid model name")
)

// Quality names a speed/quality trade-off preset.
type Quality string

// Quality presets.
const (
	QualityFast  Quality = "fast"
	QualityHQ    Quality = "hq"
	QualityUltra Quality = "ultra"
)

// Preset holds the Demucs parameters for a Quality.
type Preset struct {
	Shifts  int
	Overlap float64
}

// Presets maps each Quality to its parameters.
var Presets = map[Quality]Preset{
	QualityFast:  {Shifts: 1, Overlap: 0.25},
	QualityHQ:    {Shifts: 2, Overlap: 0.5},
	QualityUltra: {Shifts: 5, Overlap: 0.75},
}

// Format is the stem file format.
type Format string

// Output formats.
const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
)

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	return "." + string(f)
}

// Device selects where inference runs.
type Device string

// Devices.
const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Settings selects how a file is separated.
type Settings struct {
	Model   string
	Device  Device
	Quality Quality
	Shifts  int // negative means use the preset
	Format  Format
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Model:   "htdemucs_ft",
		Device:  DeviceAuto,
		Quality: QualityHQ,
		Shifts:  -1,
		Format:  FormatWAV,
	}
}

// Validate checks every field against the known values.
func (s Settings) Validate() error {
	if s.Model == "" || strings.ContainsAny(s.Model, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidModel, s.Model)
	}
	if _, ok := Presets[s.Quality]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQuality, s.Quality)
	}
	switch s.Format {
	case FormatWAV, FormatMP3, FormatFLAC:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, s.Format)
	}
	switch s.Device {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDevice, s.Device)
	}
	return nil
}

// Resolve returns the effective preset, applying the shifts override.
func (s Settings) Resolve() Preset {
	p := Presets[s.Quality]
	if s.Shifts >= 0 {
		p.Shifts = s.Shifts
	}
	return p
}
