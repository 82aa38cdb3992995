package ctrmml

// Track is one addressable event stream in a song. Depending on its id it
// represents either a playable channel or a subroutine called through jump
// or drum mode events. The zero value is a valid empty track.
type Track struct {
	Events []Event `yaml:",omitempty"`
}

// Event returns a pointer to the event at pos, or false when pos is past the
// end of the track. The pointer stays valid for the life of the track and is
// how the sequencer rewrites loop break parameters in place.
func (t *Track) Event(pos int) (*Event, bool) {
	if pos < 0 || pos >= len(t.Events) {
		return nil, false
	}
	return &t.Events[pos], true
}

// Len returns the number of events in the track.
func (t *Track) Len() int {
	return len(t.Events)
}

// Copy makes a deep copy of the track.
func (t *Track) Copy() Track {
	events := make([]Event, len(t.Events))
	copy(events, t.Events)
	return Track{Events: events}
}
