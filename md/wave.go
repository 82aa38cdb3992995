package md

import (
	"fmt"

	"github.com/Team-Digital-Fairy/ctrmml"
)

// PCMMixRate is the rate of the DAC sample mixer in Hz. Sample playback
// rates are quantized to 8 bit phase increments against this rate.
const PCMMixRate = 16000

// DefaultWaveROMSize bounds the packed sample data.
const DefaultWaveROMSize = 0x80000

// WaveHeader locates one sample in the wave ROM.
type WaveHeader struct {
	Start  uint32
	Length uint32
	// Rate is the requested playback rate in Hz.
	Rate uint32
	// Delta is the per-mix-step phase increment in 1/256 samples.
	Delta uint8
}

// WaveROM packs PCM samples into one contiguous bank with content
// deduplication. Samples are stored as unsigned 8 bit mono.
type WaveROM struct {
	maxSize int
	data    []byte
	headers []WaveHeader
	index   map[string]int
}

func NewWaveROM(maxSize int) *WaveROM {
	return &WaveROM{maxSize: maxSize, index: make(map[string]int)}
}

// Add stores a sample and returns its header index. A byte-identical sample
// already in the bank is reused, though a differing rate still gets its own
// header over the shared data.
func (w *WaveROM) Add(sample *ctrmml.Sample, rate uint32) (int, error) {
	mono := monoSamples(sample)
	if len(mono) == 0 {
		return 0, fmt.Errorf("sample is empty")
	}
	start, ok := w.index[string(mono)]
	if !ok {
		if len(w.data)+len(mono) > w.maxSize {
			return 0, fmt.Errorf("wave rom size exceeded (%d > %d)", len(w.data)+len(mono), w.maxSize)
		}
		start = len(w.data)
		w.data = append(w.data, mono...)
		w.index[string(mono)] = start
	}
	header := WaveHeader{
		Start:  uint32(start),
		Length: uint32(len(mono)),
		Rate:   rate,
		Delta:  rateDelta(rate),
	}
	for i, h := range w.headers {
		if h == header {
			return i, nil
		}
	}
	w.headers = append(w.headers, header)
	return len(w.headers) - 1, nil
}

// Headers returns the sample directory.
func (w *WaveROM) Headers() []WaveHeader {
	return w.headers
}

// Data returns the packed sample bytes.
func (w *WaveROM) Data() []byte {
	return w.data
}

// rateDelta quantizes a playback rate to the phase increment used by the
// mixer. The increment is clamped so playback neither stalls nor skips more
// than a byte per step.
func rateDelta(rate uint32) uint8 {
	d := (int(rate)*256 + PCMMixRate/2) / PCMMixRate
	if d < 1 {
		d = 1
	}
	if d > 255 {
		d = 255
	}
	return uint8(d)
}

// monoSamples folds an interleaved multichannel sample down to mono.
func monoSamples(sample *ctrmml.Sample) []byte {
	ch := sample.Channels
	if ch <= 1 {
		return sample.Data
	}
	frames := len(sample.Data) / ch
	mono := make([]byte, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < ch; c++ {
			sum += int(sample.Data[i*ch+c])
		}
		mono[i] = uint8(sum / ch)
	}
	return mono
}
