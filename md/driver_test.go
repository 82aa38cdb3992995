package md

import (
	"reflect"
	"testing"

	"github.com/Team-Digital-Fairy/ctrmml"
)

func note(param, on, off int) ctrmml.Event {
	return ctrmml.Event{Type: ctrmml.EventNote, Param: int16(param), OnTime: uint16(on), OffTime: uint16(off)}
}

func ev(t ctrmml.EventType, param int) ctrmml.Event {
	return ctrmml.Event{Type: t, Param: int16(param)}
}

func songWithTracks(tracks map[uint16][]ctrmml.Event) *ctrmml.Song {
	s := &ctrmml.Song{Tracks: map[uint16]*ctrmml.Track{}}
	for id, events := range tracks {
		s.Tracks[id] = &ctrmml.Track{Events: events}
	}
	return s
}

// playSong renders a song to completion and returns the recorded stream.
func playSong(t *testing.T, song *ctrmml.Song) *ctrmml.MemorySink {
	t.Helper()
	sink := &ctrmml.MemorySink{}
	drv := NewDriver(44100, sink, false)
	if err := drv.PlaySong(song); err != nil {
		t.Fatalf("PlaySong: %v", err)
	}
	for i := 0; drv.IsPlaying(); i++ {
		if i > 100000 {
			t.Fatalf("driver did not finish")
		}
		if _, err := drv.PlayStep(); err != nil {
			t.Fatalf("PlayStep: %v", err)
		}
	}
	return sink
}

// fmRegWrites returns the data bytes written to one FM register, in order.
func fmRegWrites(sink *ctrmml.MemorySink, port, reg uint8) []uint8 {
	var out []uint8
	for _, w := range sink.Writes {
		if w.Chip == ctrmml.ChipFM && w.Port == port && w.Reg == reg {
			out = append(out, w.Data)
		}
	}
	return out
}

func psgWrites(sink *ctrmml.MemorySink) []uint8 {
	var out []uint8
	for _, w := range sink.Writes {
		if w.Chip == ctrmml.ChipPSG {
			out = append(out, w.Data)
		}
	}
	return out
}

func TestPitchConversion(t *testing.T) {
	tests := []struct {
		pitch    int
		expected uint16
	}{
		{60 << 8, 0x2A84},        // C-5, block 5 fnum 644
		{60<<8 | 128, 0x2A96},    // halfway to C#
		{0, 644},                 // bottom octave
		{96 << 8, 0x3A84},        // block clamped to 7
	}
	for _, test := range tests {
		if got := fmPitch(test.pitch); got != test.expected {
			t.Errorf("fmPitch(%#x) = %#x, expected %#x", test.pitch, got, test.expected)
		}
	}
	if got := psgPitch(57 << 8); got != 254 { // A-4: 4068>>4
		t.Errorf("psgPitch(A-4) = %d, expected 254", got)
	}
	if got := psgPitch(0); got != 1023 {
		t.Errorf("psgPitch(0) = %d, expected the period clamped to 1023", got)
	}
}

func TestTempoConvert(t *testing.T) {
	ntsc := NewDriver(44100, &ctrmml.MemorySink{}, false)
	if got := ntsc.tempoConvert(120); got != 58 {
		t.Errorf("tempoConvert(120) = %d, expected 58", got)
	}
	pal := NewDriver(44100, &ctrmml.MemorySink{}, true)
	if got := pal.tempoConvert(120); got != 59 {
		t.Errorf("pal tempoConvert(120) = %d, expected 59", got)
	}
	if got := ntsc.tempoConvert(10000); got != 255 {
		t.Errorf("tempoConvert(10000) = %d, expected the clamp at 255", got)
	}
	if got := ntsc.tempoConvert(0); got != 0 {
		t.Errorf("tempoConvert(0) = %d, expected 0", got)
	}
}

func TestPlayStepTiming(t *testing.T) {
	song := songWithTracks(map[uint16][]ctrmml.Event{
		0: {{Type: ctrmml.EventRest, OffTime: 2}},
	})
	sink := &ctrmml.MemorySink{}
	drv := NewDriver(44100, sink, false)
	if err := drv.PlaySong(song); err != nil {
		t.Fatalf("PlaySong: %v", err)
	}
	total := 0
	for i := 0; drv.IsPlaying(); i++ {
		if i > 100 {
			t.Fatalf("driver did not finish")
		}
		n, err := drv.PlayStep()
		if err != nil {
			t.Fatalf("PlayStep: %v", err)
		}
		total += n
	}
	// The default tempo byte is 58, so ticks land where 59 per frame
	// carries out of the 8 bit accumulator: frames 5, 9 and 14. The rest
	// takes three ticks to play out, spanning thirteen frame gaps.
	expected := (13*65536 + int(drv.seqDelta) - 1) / int(drv.seqDelta)
	if total != expected {
		t.Errorf("playback took %d samples, expected %d", total, expected)
	}
	if sink.Time() != total {
		t.Errorf("sink time %d does not match the summed steps %d", sink.Time(), total)
	}
}

func TestFMNotePlayback(t *testing.T) {
	song := songWithTracks(map[uint16][]ctrmml.Event{
		0: {
			ev(ctrmml.EventTempo, 255),
			ev(ctrmml.EventIns, 1),
			ev(ctrmml.EventVol, 15),
			note(60, 2, 0),
		},
	})
	song.Instruments = map[uint16]ctrmml.Tag{1: insTag(testFMTag)}
	sink := playSong(t, song)

	keys := fmRegWrites(sink, 0, 0x28)
	expected := []uint8{0, 1, 2, 4, 5, 6, 0, 0xF0, 0}
	if !reflect.DeepEqual(keys, expected) {
		t.Errorf("key register writes = %#v, expected %#v", keys, expected)
	}
	if got := fmRegWrites(sink, 0, 0xB0); !reflect.DeepEqual(got, []uint8{0x2C}) {
		t.Errorf("FB/ALG writes = %#v, expected {0x2C}", got)
	}
	if got := fmRegWrites(sink, 0, 0xA4); !reflect.DeepEqual(got, []uint8{0x2A}) {
		t.Errorf("fnum high writes = %#v, expected {0x2A}", got)
	}
	if got := fmRegWrites(sink, 0, 0xA0); !reflect.DeepEqual(got, []uint8{0x84}) {
		t.Errorf("fnum low writes = %#v, expected {0x84}", got)
	}
	// Modulator TL comes straight from the instrument, carrier TL has the
	// volume applied on top.
	if got := fmRegWrites(sink, 0, 0x40); !reflect.DeepEqual(got, []uint8{30}) {
		t.Errorf("op1 TL writes = %#v, expected {30}", got)
	}
	if got := fmRegWrites(sink, 0, 0x4C); len(got) == 0 || got[len(got)-1] != 2 {
		t.Errorf("op4 TL writes = %#v, expected to end at 2", got)
	}
	// The frequency must be latched before the key on.
	freqAt, keyAt := -1, -1
	for i, w := range sink.Writes {
		if w.Chip != ctrmml.ChipFM {
			continue
		}
		if w.Reg == 0xA4 && freqAt < 0 {
			freqAt = i
		}
		if w.Reg == 0x28 && w.Data == 0xF0 && keyAt < 0 {
			keyAt = i
		}
	}
	if freqAt < 0 || keyAt < 0 || keyAt < freqAt {
		t.Errorf("key on at write %d before frequency at %d", keyAt, freqAt)
	}
}

func TestPSGEnvelopePlayback(t *testing.T) {
	song := songWithTracks(map[uint16][]ctrmml.Event{
		6: {
			ev(ctrmml.EventTempo, 255),
			ev(ctrmml.EventIns, 1),
			note(45, 3, 0),
		},
	})
	song.Instruments = map[uint16]ctrmml.Tag{1: insTag("psg 15 10 5")}
	sink := playSong(t, song)

	expected := []uint8{
		0x9F, 0xBF, 0xDF, 0xFF, // silence on reset
		0x8C, 0x1F, // tone period for A-3
		0x90,       // envelope node 15
		0x95,       // node 10
		0x9A,       // node 5
		0x9F,       // key off release
	}
	if got := psgWrites(sink); !reflect.DeepEqual(got, expected) {
		t.Errorf("psg writes = %#v, expected %#v", got, expected)
	}
}

func TestPortamentoGlide(t *testing.T) {
	song := songWithTracks(map[uint16][]ctrmml.Event{
		0: {
			ev(ctrmml.EventTempo, 255),
			ev(ctrmml.EventIns, 1),
			ev(ctrmml.EventPortamento, 512),
			note(60, 2, 0),
			ev(ctrmml.EventSlur, 0),
			note(72, 30, 0),
		},
	})
	song.Instruments = map[uint16]ctrmml.Tag{1: insTag(testFMTag)}
	sink := playSong(t, song)

	// Two semitones per frame from C-5 to C-6: six frequency updates after
	// the initial latch, and no retrigger for the slurred note.
	expectedHi := []uint8{0x2A, 0x2A, 0x2B, 0x2B, 0x2B, 0x2C, 0x32}
	expectedLo := []uint8{0x84, 0xD2, 0x2A, 0x8E, 0xFD, 0x7A, 0x84}
	if got := fmRegWrites(sink, 0, 0xA4); !reflect.DeepEqual(got, expectedHi) {
		t.Errorf("fnum high writes = %#v, expected %#v", got, expectedHi)
	}
	if got := fmRegWrites(sink, 0, 0xA0); !reflect.DeepEqual(got, expectedLo) {
		t.Errorf("fnum low writes = %#v, expected %#v", got, expectedLo)
	}
	keys := fmRegWrites(sink, 0, 0x28)
	expectedKeys := []uint8{0, 1, 2, 4, 5, 6, 0, 0xF0, 0}
	if !reflect.DeepEqual(keys, expectedKeys) {
		t.Errorf("key register writes = %#v, expected %#v", keys, expectedKeys)
	}
}

func TestPCMPlayback(t *testing.T) {
	song := songWithTracks(map[uint16][]ctrmml.Event{
		5: {
			ev(ctrmml.EventTempo, 255),
			ev(ctrmml.EventIns, 1),
			note(60, 2, 0),
		},
	})
	song.Instruments = map[uint16]ctrmml.Tag{1: insTag("pcm 1")}
	song.Samples = map[uint16]*ctrmml.Sample{
		1: {Rate: 8000, Channels: 1, Data: []byte{0x80, 0xC0, 0x40, 0xFF}},
	}
	sink := playSong(t, song)

	if got := fmRegWrites(sink, 0, 0x2B); !reflect.DeepEqual(got, []uint8{0, 0x80, 0}) {
		t.Errorf("DAC enable writes = %#v, expected {0, 0x80, 0}", got)
	}
	// An 8 kHz sample plays every byte twice at the 16 kHz mixer rate.
	expected := []uint8{0x80, 0x80, 0xC0, 0xC0, 0x40, 0x40, 0xFF, 0xFF}
	if got := fmRegWrites(sink, 0, 0x2A); !reflect.DeepEqual(got, expected) {
		t.Errorf("DAC writes = %#v, expected %#v", got, expected)
	}
}

func TestFM3OperatorClaim(t *testing.T) {
	song := songWithTracks(map[uint16][]ctrmml.Event{
		10: {
			ev(ctrmml.EventTempo, 255),
			ev(ctrmml.EventPlatform, 1),
			ev(ctrmml.EventPlatform, 2),
			ev(ctrmml.EventIns, 2),
			note(60, 2, 0),
		},
	})
	song.PlatformCommands = map[uint16]ctrmml.Tag{
		1: {"mode", "1"},
		2: {"fm3", "0x3"},
	}
	song.Instruments = map[uint16]ctrmml.Tag{
		1: insTag(testFMTag),
		2: insTag("2op 1 1 2"),
	}
	sink := playSong(t, song)

	if got := fmRegWrites(sink, 0, 0x27); !reflect.DeepEqual(got, []uint8{0, 0x40}) {
		t.Errorf("channel 3 mode writes = %#v, expected {0, 0x40}", got)
	}
	keys := fmRegWrites(sink, 0, 0x28)
	expected := []uint8{0, 1, 2, 4, 5, 6, 0x32, 0x02}
	if !reflect.DeepEqual(keys, expected) {
		t.Errorf("key register writes = %#v, expected %#v", keys, expected)
	}
	// The claimed operator pair gets per-operator frequencies.
	if got := fmRegWrites(sink, 0, 0xAD); !reflect.DeepEqual(got, []uint8{0x2A}) {
		t.Errorf("op1 fnum high writes = %#v, expected {0x2A}", got)
	}
	if got := fmRegWrites(sink, 0, 0xAE); !reflect.DeepEqual(got, []uint8{0x2A}) {
		t.Errorf("op2 fnum high writes = %#v, expected {0x2A}", got)
	}
	if got := fmRegWrites(sink, 0, 0xA9); !reflect.DeepEqual(got, []uint8{0x84}) {
		t.Errorf("op1 fnum low writes = %#v, expected {0x84}", got)
	}
	if got := fmRegWrites(sink, 0, 0xB2); !reflect.DeepEqual(got, []uint8{0x2C}) {
		t.Errorf("FB/ALG writes = %#v, expected {0x2C}", got)
	}
}

func TestSongLoopCount(t *testing.T) {
	song := songWithTracks(map[uint16][]ctrmml.Event{
		0: {
			ev(ctrmml.EventTempo, 255),
			ev(ctrmml.EventSegno, 0),
			note(60, 1, 0),
		},
		1: {
			ev(ctrmml.EventSegno, 0),
			note(62, 2, 0),
		},
	})
	sink := &ctrmml.MemorySink{}
	drv := NewDriver(44100, sink, false)
	if err := drv.PlaySong(song); err != nil {
		t.Fatalf("PlaySong: %v", err)
	}
	for i := 0; drv.LoopCount() < 2; i++ {
		if i > 10000 {
			t.Fatalf("loop count stuck at %d", drv.LoopCount())
		}
		if _, err := drv.PlayStep(); err != nil {
			t.Fatalf("PlayStep: %v", err)
		}
	}
	// The aggregate only advances when the slower track has looped too.
	if got := drv.LoopCount(); got != 2 {
		t.Errorf("LoopCount = %d, expected exactly 2", got)
	}
	if !drv.IsPlaying() {
		t.Errorf("looping song stopped playing")
	}
}

func TestDriverReset(t *testing.T) {
	song := songWithTracks(map[uint16][]ctrmml.Event{
		0: {ev(ctrmml.EventSegno, 0), note(60, 1, 0)},
	})
	sink := &ctrmml.MemorySink{}
	drv := NewDriver(44100, sink, false)
	if err := drv.PlaySong(song); err != nil {
		t.Fatalf("PlaySong: %v", err)
	}
	for i := 0; i < 50; i++ {
		if _, err := drv.PlayStep(); err != nil {
			t.Fatalf("PlayStep: %v", err)
		}
	}
	drv.Reset()
	if drv.IsPlaying() {
		t.Errorf("driver still playing after Reset")
	}
	if n, err := drv.PlayStep(); n != 0 || err != nil {
		t.Errorf("PlayStep after Reset = %d, %v", n, err)
	}
}
