package ctrmml_test

import (
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/Team-Digital-Fairy/ctrmml"
)

const songYaml = `
title: Parse Test
composer: somebody
ppqn: 48
tracks:
    0:
        events:
            - type: ins
              param: 1
            - type: note
              param: 60
              on_time: 22
              off_time: 2
              ref:
                  file: song.mml
                  line: 4
                  column: 2
            - type: segno
    5:
        events:
            - type: rest
              off_time: 24
platform_commands:
    1:
        - mode
        - "1"
instruments:
    1:
        - psg
        - "15"
pitch_envelopes:
    2:
        - "0.5"
samples:
    1:
        rate: 8000
        channels: 2
        data: !!binary gMBA/w==
`

func TestParseSong(t *testing.T) {
	song, err := ctrmml.ParseSong([]byte(songYaml))
	if err != nil {
		t.Fatalf("ParseSong failed: %v", err)
	}
	if song.Title != "Parse Test" || song.Composer != "somebody" {
		t.Errorf("metadata got %q/%q, expected \"Parse Test\"/\"somebody\"", song.Title, song.Composer)
	}
	if got := song.TicksPerQuarter(); got != 48 {
		t.Errorf("TicksPerQuarter got %v, expected 48", got)
	}
	if got := song.TrackIDs(); !reflect.DeepEqual(got, []uint16{0, 5}) {
		t.Errorf("TrackIDs got %v, expected [0 5]", got)
	}
	track, ok := song.Track(0)
	if !ok {
		t.Fatalf("track 0 is missing")
	}
	if track.Len() != 3 {
		t.Fatalf("track 0 got %v events, expected 3", track.Len())
	}
	note, _ := track.Event(1)
	expected := ctrmml.Event{
		Type:    ctrmml.EventNote,
		Param:   60,
		OnTime:  22,
		OffTime: 2,
		Ref:     &ctrmml.Reference{File: "song.mml", Line: 4, Column: 2},
	}
	if !reflect.DeepEqual(*note, expected) {
		t.Errorf("note event got %+v, expected %+v", *note, expected)
	}
	if note.Ref.String() != "song.mml:4:2" {
		t.Errorf("note ref got %q, expected \"song.mml:4:2\"", note.Ref.String())
	}
	if tag, ok := song.PlatformCommand(1); !ok || !reflect.DeepEqual(tag, ctrmml.Tag{"mode", "1"}) {
		t.Errorf("platform command 1 got %v", tag)
	}
	sample := song.Samples[1]
	if sample == nil || sample.Rate != 8000 || sample.Channels != 2 ||
		!reflect.DeepEqual(sample.Data, []byte{0x80, 0xC0, 0x40, 0xFF}) {
		t.Errorf("sample 1 got %+v", sample)
	}
}

func TestParseSongErrors(t *testing.T) {
	for _, test := range []struct {
		yaml string
		want string
	}{
		{"tracks: [not a map]", "parsing song"},
		{"title: empty", "song contains no tracks"},
		{"tracks:\n    0:\n        events:\n            - type: frobnicate", "unknown event type \"frobnicate\""},
		{"tracks:\n    0: {}\ninstruments:\n    1: []", "instrument @1 is empty"},
		{"tracks:\n    0: {}\npitch_envelopes:\n    2: []", "pitch envelope @M2 is empty"},
	} {
		_, err := ctrmml.ParseSong([]byte(test.yaml))
		if err == nil || !strings.Contains(err.Error(), test.want) {
			t.Errorf("ParseSong(%q) error got %v, expected to contain %q", test.yaml, err, test.want)
		}
	}
}

func TestSongRoundTrip(t *testing.T) {
	song, err := ctrmml.ParseSong([]byte(songYaml))
	if err != nil {
		t.Fatalf("ParseSong failed: %v", err)
	}
	marshaled, err := yaml.Marshal(song)
	if err != nil {
		t.Fatalf("cannot marshal song: %v", err)
	}
	reparsed, err := ctrmml.ParseSong(marshaled)
	if err != nil {
		t.Fatalf("cannot reparse song: %v", err)
	}
	if !reflect.DeepEqual(song, reparsed) {
		t.Fatalf("round trip changed the song, got %#v, expected %#v", reparsed, song)
	}
}

func TestSongCopy(t *testing.T) {
	song, err := ctrmml.ParseSong([]byte(songYaml))
	if err != nil {
		t.Fatalf("ParseSong failed: %v", err)
	}
	c := song.Copy()
	if !reflect.DeepEqual(*song, c) {
		t.Fatalf("copy differs from original")
	}
	c.Tracks[0].Events[0].Param = 99
	c.Instruments[1][0] = "fm"
	c.Samples[1].Data[0] = 0
	if song.Tracks[0].Events[0].Param != 1 {
		t.Errorf("copy shares track events with the original")
	}
	if song.Instruments[1][0] != "psg" {
		t.Errorf("copy shares instrument tags with the original")
	}
	if song.Samples[1].Data[0] != 0x80 {
		t.Errorf("copy shares sample data with the original")
	}
}

func TestTrackError(t *testing.T) {
	err := &ctrmml.TrackError{
		Ref:     &ctrmml.Reference{File: "song.mml", Line: 4},
		Message: "note out of range",
	}
	if got := err.Error(); got != "song.mml:4: note out of range" {
		t.Errorf("got %q, expected \"song.mml:4: note out of range\"", got)
	}
	err = &ctrmml.TrackError{Message: "note out of range"}
	if got := err.Error(); got != "note out of range" {
		t.Errorf("got %q, expected \"note out of range\"", got)
	}
}

func TestMemorySink(t *testing.T) {
	sink := &ctrmml.MemorySink{}
	sink.Write(ctrmml.ChipFM, 0, 0x28, 0xF0)
	sink.Delay(500)
	sink.Write(ctrmml.ChipPSG, 0, 0, 0x9F)
	sink.Delay(100)
	if got := sink.Time(); got != 600 {
		t.Errorf("Time got %v, expected 600", got)
	}
	expected := []ctrmml.RegisterWrite{
		{Time: 0, Chip: ctrmml.ChipFM, Port: 0, Reg: 0x28, Data: 0xF0},
		{Time: 500, Chip: ctrmml.ChipPSG, Port: 0, Reg: 0, Data: 0x9F},
	}
	if !reflect.DeepEqual(sink.Writes, expected) {
		t.Errorf("writes got %v, expected %v", sink.Writes, expected)
	}
}

func TestEventTypeYAML(t *testing.T) {
	if got := ctrmml.EventNote.String(); got != "note" {
		t.Errorf("String got %q, expected \"note\"", got)
	}
	if got := ctrmml.EventType(99).String(); got != "EventType(99)" {
		t.Errorf("String got %q, expected \"EventType(99)\"", got)
	}
	if _, err := yaml.Marshal(ctrmml.EventCmdCount); err == nil {
		t.Errorf("expected an error marshaling an out of range event type")
	}
}
