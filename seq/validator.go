package seq

import (
	"fmt"

	"github.com/Team-Digital-Fairy/ctrmml"
)

// TrackValidator runs a track to the end without producing output, so that
// structural errors such as unbalanced loops or missing jump targets surface
// before any platform work starts. It also measures the track.
type TrackValidator struct {
	BasicPlayer
	segnoTime int
	loopTime  int
}

// ValidateTrack steps through the whole track and returns the finished
// validator, or the first structural error encountered.
func ValidateTrack(song *ctrmml.Song, track *ctrmml.Track) (*TrackValidator, error) {
	v := &TrackValidator{segnoTime: -1}
	v.BasicPlayer = NewBasicPlayer(song, track, v)
	for v.Enabled() {
		if err := v.StepEvent(); err != nil {
			return nil, err
		}
	}
	if v.segnoTime >= 0 {
		v.loopTime = v.PlayTime() - v.segnoTime
	}
	return v, nil
}

// EventHook implements Hooks, recording the segno timestamp.
func (v *TrackValidator) EventHook() error {
	if v.event.Type == ctrmml.EventSegno {
		v.segnoTime = v.PlayTime()
	}
	return nil
}

// LoopHook implements Hooks; validation never restarts at the segno.
func (v *TrackValidator) LoopHook() bool {
	return false
}

// EndHook implements Hooks.
func (v *TrackValidator) EndHook() error {
	return nil
}

// Length returns the total duration of the track in ticks.
func (v *TrackValidator) Length() int {
	return v.PlayTime()
}

// LoopLength returns the duration of the looping section in ticks, or 0 for
// a track without a segno marker.
func (v *TrackValidator) LoopLength() int {
	return v.loopTime
}

// SongValidator holds the validation results for every track of a song.
type SongValidator struct {
	Tracks map[uint16]*TrackValidator
}

// ValidateSong validates every track in id order and stops at the first
// failing track.
func ValidateSong(song *ctrmml.Song) (*SongValidator, error) {
	sv := &SongValidator{Tracks: make(map[uint16]*TrackValidator)}
	for _, id := range song.TrackIDs() {
		track, _ := song.Track(id)
		tv, err := ValidateTrack(song, track)
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", id, err)
		}
		sv.Tracks[id] = tv
	}
	return sv, nil
}
