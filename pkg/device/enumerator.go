// Package device binds the engine to real and virtual audio hardware:
// malgo-backed enumeration and transport, and a loopback room for tests and
// simulation.
package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
)

// HostID is the backend name reported for malgo devices.
const HostID audio.HostID = "miniaudio"

const (
	// fallbackRate and fallbackChannels fill in formats the backend reports
	// as "native" (zero).
	fallbackRate     = 48000
	fallbackChannels = 2
)

// defaultFormat stands in for a device that reports no native formats.
// miniaudio converts to F32 for any shared-mode device, and the zero rate
// and channel count resolve to the fallbacks.
var defaultFormat = malgo.DataFormat{Format: malgo.FormatF32}

// hostDevice is one enumerated device with its native formats.
type hostDevice struct {
	id        malgo.DeviceID
	name      string
	isDefault bool
	formats   []malgo.DataFormat
}

// lister returns the devices of one kind.
type lister interface {
	list(kind malgo.DeviceType) ([]hostDevice, error)
}

type malgoLister struct {
	ctx *malgo.AllocatedContext
}

func (m malgoLister) list(kind malgo.DeviceType) ([]hostDevice, error) {
	infos, err := m.ctx.Devices(kind)
	if err != nil {
		return nil, err
	}
	out := make([]hostDevice, 0, len(infos))
	for _, info := range infos {
		full, err := m.ctx.DeviceInfo(kind, info.ID, malgo.Shared)
		if err != nil {
			full = info
		}
		out = append(out, hostDevice{
			id:        info.ID,
			name:      info.Name(),
			isDefault: info.IsDefault != 0,
			formats:   append([]malgo.DataFormat(nil), full.Formats[:full.FormatCount]...),
		})
	}
	return out, nil
}

// Enumerator lists capture and playback devices. The list is populated on
// first use and kept until Invalidate, e.g. on a device change
// notification.
type Enumerator struct {
	mu  sync.Mutex
	src lister

	populated bool
	inputs    [][]audio.InputDeviceConfig
	outputs   [][]audio.OutputDeviceConfig
	ids       map[string]malgo.DeviceID
}

// NewEnumerator creates an enumerator over a malgo context.
func NewEnumerator(ctx *malgo.AllocatedContext) *Enumerator {
	return &Enumerator{src: malgoLister{ctx: ctx}}
}

// Invalidate drops the cached device list.
func (e *Enumerator) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.populated = false
	e.inputs, e.outputs, e.ids = nil, nil, nil
}

// Inputs returns the supported configs of every capture device, one group
// per device, default device first.
func (e *Enumerator) Inputs() ([][]audio.InputDeviceConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.populate(); err != nil {
		return nil, err
	}
	out := make([][]audio.InputDeviceConfig, len(e.inputs))
	for i, group := range e.inputs {
		out[i] = append([]audio.InputDeviceConfig(nil), group...)
	}
	return out, nil
}

// Outputs returns the supported configs of every playback device, one group
// per device, default device first. Each config asks for frameSize frames
// per callback.
func (e *Enumerator) Outputs(frameSize uint32) ([][]audio.OutputDeviceConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.populate(); err != nil {
		return nil, err
	}
	out := make([][]audio.OutputDeviceConfig, len(e.outputs))
	for i, group := range e.outputs {
		out[i] = make([]audio.OutputDeviceConfig, len(group))
		for j, cfg := range group {
			cfg.FrameSize = frameSize
			out[i][j] = cfg
		}
	}
	return out, nil
}

// deviceID resolves a config ID back to the backend identifier.
func (e *Enumerator) deviceID(id string) (malgo.DeviceID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.ids[id]
	return d, ok
}

func (e *Enumerator) populate() error {
	if e.populated {
		return nil
	}
	captures, err := e.src.list(malgo.Capture)
	if err != nil {
		return fmt.Errorf("enumerate capture devices: %w", err)
	}
	playbacks, err := e.src.list(malgo.Playback)
	if err != nil {
		return fmt.Errorf("enumerate playback devices: %w", err)
	}

	ids := make(map[string]malgo.DeviceID)
	var inputs [][]audio.InputDeviceConfig
	for _, d := range defaultFirst(captures) {
		key := "capture:" + d.id.String()
		ids[key] = d.id
		var group []audio.InputDeviceConfig
		for _, f := range sortedFormats(d.formats) {
			group = append(group, audio.InputDeviceConfig{
				HostID:       HostID,
				ID:           key,
				DeviceName:   d.name,
				Channels:     channelsOf(f),
				SampleRate:   rateOf(f),
				SampleFormat: fromMalgo(f.Format),
			})
		}
		inputs = append(inputs, group)
	}

	var outputs [][]audio.OutputDeviceConfig
	for _, d := range defaultFirst(playbacks) {
		key := "playback:" + d.id.String()
		ids[key] = d.id
		var group []audio.OutputDeviceConfig
		for _, f := range sortedFormats(d.formats) {
			group = append(group, audio.OutputDeviceConfig{
				HostID:       HostID,
				ID:           key,
				DeviceName:   d.name,
				Channels:     channelsOf(f),
				SampleRate:   rateOf(f),
				SampleFormat: fromMalgo(f.Format),
			})
		}
		outputs = append(outputs, group)
	}

	e.inputs, e.outputs, e.ids = inputs, outputs, ids
	e.populated = true
	return nil
}

func defaultFirst(devs []hostDevice) []hostDevice {
	out := append([]hostDevice(nil), devs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].isDefault && !out[j].isDefault })
	return out
}

// sortedFormats puts formats the engine converts first, F32 preferred. A
// device without formats gets defaultFormat.
func sortedFormats(formats []malgo.DataFormat) []malgo.DataFormat {
	if len(formats) == 0 {
		return []malgo.DataFormat{defaultFormat}
	}
	rank := func(f malgo.FormatType) int {
		switch f {
		case malgo.FormatF32:
			return 0
		case malgo.FormatS16:
			return 1
		case malgo.FormatS32:
			return 2
		default:
			return 3
		}
	}
	out := append([]malgo.DataFormat(nil), formats...)
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i].Format) < rank(out[j].Format) })
	return out
}

func channelsOf(f malgo.DataFormat) uint16 {
	if f.Channels == 0 {
		return fallbackChannels
	}
	return uint16(f.Channels)
}

func rateOf(f malgo.DataFormat) uint32 {
	if f.SampleRate == 0 {
		return fallbackRate
	}
	return f.SampleRate
}

func fromMalgo(f malgo.FormatType) audio.SampleFormat {
	switch f {
	case malgo.FormatU8:
		return audio.FormatU8
	case malgo.FormatS16:
		return audio.FormatS16
	case malgo.FormatS24:
		return audio.FormatS24
	case malgo.FormatS32:
		return audio.FormatS32
	case malgo.FormatF32:
		return audio.FormatF32
	default:
		return audio.FormatUnknown
	}
}

func toMalgo(f audio.SampleFormat) malgo.FormatType {
	switch f {
	case audio.FormatU8:
		return malgo.FormatU8
	case audio.FormatS16:
		return malgo.FormatS16
	case audio.FormatS24:
		return malgo.FormatS24
	case audio.FormatS32:
		return malgo.FormatS32
	case audio.FormatF32:
		return malgo.FormatF32
	default:
		return malgo.FormatUnknown
	}
}
