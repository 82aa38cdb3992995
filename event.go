package ctrmml

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type (
	// EventType enumerates everything that can appear in a track. Types below
	// EventChannelCmd are handled structurally by the sequencer; types in
	// [EventChannelCmd, EventCmdCount) store their parameter in the
	// per-channel state table and are interpreted by the platform driver.
	EventType int

	// Event is a single parsed track entry. OnTime is the number of ticks the
	// note is held and OffTime the number of ticks of release after it; both
	// are zero for events that take no time. Events are produced by the
	// notation parser and never modified afterwards, with one exception: the
	// sequencer rewrites the parameter of a loop break to the loop's end
	// position, to help converters that re-emit the track.
	Event struct {
		Type    EventType  `yaml:"type"`
		Param   int16      `yaml:",omitempty"`
		OnTime  uint16     `yaml:"on_time,omitempty"`
		OffTime uint16     `yaml:"off_time,omitempty"`
		Ref     *Reference `yaml:",omitempty"`
	}

	// Reference points back at the notation source that produced an event or
	// definition, for diagnostics.
	Reference struct {
		File   string `yaml:",omitempty"`
		Line   int    `yaml:",omitempty"`
		Column int    `yaml:",omitempty"`
	}
)

const (
	EventNop EventType = iota
	EventRest
	EventNote
	EventTie  // extends the previous note, no retrigger
	EventSlur // suppresses the key-on of the next note
	EventLoopStart
	EventLoopBreak
	EventLoopEnd
	EventSegno
	EventJump
	EventEnd
	EventPlatform
	EventTransposeRel
	EventVol
	EventVolRel
	EventVolFineRel
	EventTempoBPM
	EventIns
	EventTranspose
	EventDetune
	EventVolFine
	EventPan
	EventTempo
	EventPortamento
	EventDrumMode
	EventPitchEnvelope
	EventCmdCount

	// EventChannelCmd is the first of the stateful channel commands.
	EventChannelCmd = EventIns
)

var eventTypeNames = [EventCmdCount]string{
	EventNop:           "nop",
	EventRest:          "rest",
	EventNote:          "note",
	EventTie:           "tie",
	EventSlur:          "slur",
	EventLoopStart:     "loop_start",
	EventLoopBreak:     "loop_break",
	EventLoopEnd:       "loop_end",
	EventSegno:         "segno",
	EventJump:          "jump",
	EventEnd:           "end",
	EventPlatform:      "platform",
	EventTransposeRel:  "transpose_rel",
	EventVol:           "vol",
	EventVolRel:        "vol_rel",
	EventVolFineRel:    "vol_fine_rel",
	EventTempoBPM:      "tempo_bpm",
	EventIns:           "ins",
	EventTranspose:     "transpose",
	EventDetune:        "detune",
	EventVolFine:       "vol_fine",
	EventPan:           "pan",
	EventTempo:         "tempo",
	EventPortamento:    "portamento",
	EventDrumMode:      "drum_mode",
	EventPitchEnvelope: "pitch_envelope",
}

func (t EventType) String() string {
	if t < 0 || t >= EventCmdCount {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventTypeNames[t]
}

func (t EventType) MarshalYAML() (interface{}, error) {
	if t < 0 || t >= EventCmdCount {
		return nil, fmt.Errorf("cannot marshal event type %d", int(t))
	}
	return eventTypeNames[t], nil
}

func (t *EventType) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	for i, n := range eventTypeNames {
		if n == name {
			*t = EventType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", name)
}

func (r *Reference) String() string {
	if r == nil {
		return ""
	}
	if r.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", r.File, r.Line, r.Column)
	}
	return fmt.Sprintf("%s:%d", r.File, r.Line)
}
