// Package device resolves capture-device selections against the audio
// devices the host actually has.
package device

import (
	"log/slog"
	"strings"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/twintrack/recorder/internal/errors"
	"github.com/twintrack/recorder/internal/stream"
)

// UseDefault asks the recognition engine to pick the default capture
// device instead of an explicit index.
const UseDefault = -1

// loopbackKeywords mark virtual devices that mirror system output back
// as an input, which is how the ambient channel is captured.
var loopbackKeywords = []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"}

// Info describes one capture-capable device.
type Info struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

// IsLoopback reports whether the device mirrors system audio.
func (i Info) IsLoopback() bool {
	name := strings.ToLower(i.Name)
	for _, kw := range loopbackKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// Lister enumerates capture devices. Injectable for tests.
type Lister func() ([]Info, error)

// Resolver validates device selections and auto-detects a loopback
// device for the ambient channel.
type Resolver struct {
	list Lister

	initialized bool
}

// NewResolver creates a resolver backed by portaudio. Call Close when
// done to release the audio host API.
func NewResolver() (*Resolver, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureDevice, "initializing audio host")
	}
	return &Resolver{list: listPortaudio, initialized: true}, nil
}

// NewResolverWithLister creates a resolver over a custom device source.
func NewResolverWithLister(list Lister) *Resolver {
	return &Resolver{list: list}
}

// Close releases the audio host API.
func (r *Resolver) Close() error {
	if !r.initialized {
		return nil
	}
	r.initialized = false
	return portaudio.Terminate()
}

// List returns all capture-capable devices.
func (r *Resolver) List() ([]Info, error) {
	devices, err := r.list()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureDevice, "enumerating audio devices")
	}
	var out []Info
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

// Resolve turns a requested device index into one the stream can use.
// A negative request means auto: the system default for the primary
// channel, the first loopback device for the ambient channel. Explicit
// indexes are validated against the device list.
func (r *Resolver) Resolve(requested int, ch stream.Channel) (int, error) {
	devices, err := r.List()
	if err != nil {
		return UseDefault, err
	}

	if requested >= 0 {
		for _, d := range devices {
			if d.Index == requested {
				return requested, nil
			}
		}
		return UseDefault, apperrors.Newf(apperrors.CodeCaptureDevice,
			"device index %d not found or has no input channels", requested)
	}

	if ch == stream.ChannelAmbient {
		for _, d := range devices {
			if d.IsLoopback() {
				slog.Info("auto-detected loopback device", "device", d.Name, "index", d.Index)
				return d.Index, nil
			}
		}
		return UseDefault, apperrors.New(apperrors.CodeCaptureDevice,
			"no loopback device found for system audio capture; install BlackHole or similar")
	}

	return UseDefault, nil
}

func listPortaudio() ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(devices))
	for i, d := range devices {
		out = append(out, Info{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}
