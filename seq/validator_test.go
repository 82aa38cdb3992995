package seq_test

import (
	"testing"

	"github.com/Team-Digital-Fairy/ctrmml"
	"github.com/Team-Digital-Fairy/ctrmml/seq"
)

func makeSong(tracks map[uint16][]ctrmml.Event) *ctrmml.Song {
	s := &ctrmml.Song{Tracks: map[uint16]*ctrmml.Track{}}
	for id, events := range tracks {
		s.Tracks[id] = &ctrmml.Track{Events: events}
	}
	return s
}

func TestTrackLength(t *testing.T) {
	song := makeSong(map[uint16][]ctrmml.Event{0: {
		{Type: ctrmml.EventNote, Param: 60, OnTime: 4},
		{Type: ctrmml.EventSegno},
		{Type: ctrmml.EventNote, Param: 62, OnTime: 2},
		{Type: ctrmml.EventNote, Param: 64, OnTime: 1, OffTime: 1},
	}})
	track, _ := song.Track(0)
	v, err := seq.ValidateTrack(song, track)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if v.Length() != 8 {
		t.Fatalf("expected length 8, got %d", v.Length())
	}
	if v.LoopLength() != 4 {
		t.Fatalf("expected loop length 4, got %d", v.LoopLength())
	}
}

func TestTrackLengthNoSegno(t *testing.T) {
	song := makeSong(map[uint16][]ctrmml.Event{0: {
		{Type: ctrmml.EventLoopStart},
		{Type: ctrmml.EventLoopStart},
		{Type: ctrmml.EventNote, Param: 60, OnTime: 1},
		{Type: ctrmml.EventLoopEnd, Param: 2},
		{Type: ctrmml.EventLoopEnd, Param: 3},
	}})
	track, _ := song.Track(0)
	v, err := seq.ValidateTrack(song, track)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if v.Length() != 6 {
		t.Fatalf("expected length 6, got %d", v.Length())
	}
	if v.LoopLength() != 0 {
		t.Fatalf("expected no loop length, got %d", v.LoopLength())
	}
}

func TestSongValidation(t *testing.T) {
	song := makeSong(map[uint16][]ctrmml.Event{
		0: {{Type: ctrmml.EventNote, Param: 60, OnTime: 2}},
		1: {{Type: ctrmml.EventJump, Param: 0}},
	})
	v, err := seq.ValidateSong(song)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if len(v.Tracks) != 2 {
		t.Fatalf("expected 2 validated tracks, got %d", len(v.Tracks))
	}
	if v.Tracks[1].Length() != 2 {
		t.Fatalf("expected subroutine caller length 2, got %d", v.Tracks[1].Length())
	}
}

func TestSongValidationError(t *testing.T) {
	song := makeSong(map[uint16][]ctrmml.Event{
		0: {{Type: ctrmml.EventNote, Param: 60, OnTime: 1}},
		5: {{Type: ctrmml.EventLoopEnd, Param: 2}},
	})
	_, err := seq.ValidateSong(song)
	if err == nil {
		t.Fatalf("expected an error")
	}
	expected := "track 5: unterminated '[]' loop"
	if err.Error() != expected {
		t.Fatalf("got different error than expected. got: %q expected: %q", err.Error(), expected)
	}
}

func TestSegnoInsideLoopRejected(t *testing.T) {
	// A segno inside an unterminated loop still surfaces as a loop error
	// when the track ends.
	song := makeSong(map[uint16][]ctrmml.Event{0: {
		{Type: ctrmml.EventLoopStart},
		{Type: ctrmml.EventSegno},
		{Type: ctrmml.EventNote, Param: 60, OnTime: 1},
	}})
	track, _ := song.Track(0)
	_, err := seq.ValidateTrack(song, track)
	if err == nil || err.Error() != "unterminated '[]' loop" {
		t.Fatalf("expected loop error, got: %v", err)
	}
}
