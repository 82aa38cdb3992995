// Package seq implements the event stream sequencer: a stack based
// interpreter over track events handling loops, jumps, segno repeats and
// drum mode dispatch, plus the tick-level player that tracks musical state
// for a channel. Platform drivers build on Player; validation builds on
// BasicPlayer directly.
package seq

import (
	"fmt"

	"github.com/Team-Digital-Fairy/ctrmml"
)

// Hooks receives the non-structural parts of stepping. BasicPlayer handles
// all control flow itself and calls out for everything musical.
type Hooks interface {
	// EventHook is called for every event that is not control flow, and for
	// segno markers after the loop point has been recorded.
	EventHook() error

	// LoopHook decides whether reaching the end should restart playback at
	// the recorded segno position.
	LoopHook() bool

	// EndHook is called once when playback finishes for good.
	EndHook() error
}

// BasicPlayer walks one track of a song, event by event, maintaining the
// control flow stack and the tick time accounting. It holds non-owning
// references to the song and track for the duration of one playback pass and
// must not outlive them.
type BasicPlayer struct {
	song  *ctrmml.Song
	track *ctrmml.Track
	hooks Hooks

	enabled           bool
	position          int
	loopPosition      int // segno restart point, -1 when none seen
	loopResetPosition int // provisional loop measurement anchor, -1 when unset
	stack             []frame
	depth             [frameKindCount]int
	maxDepth          int
	loopCount         int
	loopResetCount    int
	playTime          int
	onTime            int
	offTime           int

	event      ctrmml.Event  // last fetched event, possibly rewritten
	trackEvent *ctrmml.Event // storage of the last event, nil when synthesized
	ref        *ctrmml.Reference
}

// NewBasicPlayer prepares a player over the given track. The hooks receiver
// is typically the struct embedding the player.
func NewBasicPlayer(song *ctrmml.Song, track *ctrmml.Track, hooks Hooks) BasicPlayer {
	return BasicPlayer{
		song:              song,
		track:             track,
		hooks:             hooks,
		enabled:           true,
		loopPosition:      -1,
		loopResetPosition: -1,
		maxDepth:          DefaultMaxStackDepth,
	}
}

// Errorf builds a TrackError referencing the source location of the event
// being processed. Platform drivers use it so their diagnostics point at the
// offending input line.
func (p *BasicPlayer) Errorf(format string, args ...interface{}) error {
	return &ctrmml.TrackError{Ref: p.ref, Message: fmt.Sprintf(format, args...)}
}

// Enabled reports false once playback has completed.
func (p *BasicPlayer) Enabled() bool {
	return p.enabled
}

// PlayTime returns the timestamp of the last played event, in ticks.
func (p *BasicPlayer) PlayTime() int {
	return p.playTime
}

// LoopCount returns the number of confirmed full loops through the segno
// section. A loop only counts once playback has passed the measurement
// anchor again, so callers sizing a track never overcount a loop still in
// progress.
func (p *BasicPlayer) LoopCount() int {
	if p.loopResetCount < p.loopCount {
		return p.loopResetCount
	}
	return p.loopCount
}

// ResetLoopCount zeroes the loop counters and re-anchors the measurement
// point just behind the current position.
func (p *BasicPlayer) ResetLoopCount() {
	p.loopCount = 0
	p.loopResetCount = 0
	if p.position > 0 {
		p.loopResetPosition = p.position - 1
	} else {
		p.loopResetPosition = 0
	}
}

// Event returns the last fetched event.
func (p *BasicPlayer) Event() ctrmml.Event {
	return p.event
}

// StepEvent reads one event from the track, resolves its control flow and
// invokes the hooks for anything musical. Reading past the end of the track
// produces a synthetic end event rather than an error.
func (p *BasicPlayer) StepEvent() error {
	p.playTime += p.onTime + p.offTime
	p.onTime = 0
	p.offTime = 0
	if p.position == p.loopResetPosition {
		p.loopResetCount = p.loopCount
	}
	pos := p.position
	p.position++
	if ev, ok := p.track.Event(pos); ok {
		p.trackEvent = ev
		p.event = *ev
	} else {
		p.trackEvent = nil
		p.event = ctrmml.Event{Type: ctrmml.EventEnd, Ref: p.ref}
	}
	p.onTime = int(p.event.OnTime)
	p.offTime = int(p.event.OffTime)
	p.ref = p.event.Ref

	switch p.event.Type {
	case ctrmml.EventLoopStart:
		return p.stackPush(frame{kind: frameLoop, track: p.track, position: p.position})
	case ctrmml.EventLoopBreak:
		top, err := p.stackTop(frameLoop)
		if err != nil {
			return err
		}
		// Point the stored event at the loop end to help converters.
		p.trackEvent.Param = int16(top.endPosition)
		if top.count == 1 {
			f, err := p.stackPop(frameLoop)
			if err != nil {
				return err
			}
			p.position = f.endPosition
		}
	case ctrmml.EventLoopEnd:
		top, err := p.stackTop(frameLoop)
		if err != nil {
			return err
		}
		top.endPosition = p.position
		if top.count == 0 {
			top.count = int(p.event.Param)
		}
		top.count--
		if top.count > 0 {
			p.position = top.position
		} else if _, err := p.stackPop(frameLoop); err != nil {
			return err
		}
	case ctrmml.EventSegno:
		p.loopPosition = p.position
		p.loopResetPosition = p.position
		return p.hooks.EventHook()
	case ctrmml.EventJump:
		target, ok := p.song.Track(uint16(p.event.Param))
		if !ok {
			return p.Errorf("jump destination doesn't exist")
		}
		if err := p.stackPush(frame{kind: frameJump, track: p.track, position: p.position}); err != nil {
			return err
		}
		p.track = target
		p.position = 0
	case ctrmml.EventEnd:
		if len(p.stack) > 0 {
			top, err := p.stackTop(frameJump)
			if err != nil {
				return err
			}
			p.track = top.track
			f, err := p.stackPop(frameJump)
			if err != nil {
				return err
			}
			p.position = f.position
		} else if p.loopPosition != -1 && p.hooks.LoopHook() {
			p.position = p.loopPosition
			p.loopCount++
		} else {
			p.enabled = false
			return p.hooks.EndHook()
		}
	default:
		return p.hooks.EventHook()
	}
	return nil
}

// numStates is the size of the channel state table, one slot per stateful
// channel command.
const numStates = int(ctrmml.EventCmdCount - ctrmml.EventChannelCmd)

// Synthetic bits of the state update mask. Slots occupy the low bits.
const (
	// volBit set means the volume state was last written in coarse units.
	volBit = 30
	// bpmBit set means the tempo state holds beats per minute rather than a
	// native timer value.
	bpmBit = 31
)

// Output receives the side effects of a Player: platform tag parsing and the
// write-out of notes, rests and everything else musical. The default output
// (the player itself) just counts notes and rests; platform channels replace
// it with register writes.
type Output interface {
	// ParsePlatformEvent interprets a platform tag, storing values into the
	// platform state slots, and returns a bitmask of the slots it modified.
	ParsePlatformEvent(tag ctrmml.Tag, state []int16) (uint32, error)

	// WriteEvent emits the effect of the last fetched event.
	WriteEvent() error
}

// Player adds musical tick semantics on top of BasicPlayer: a state table
// indexed by channel command with a change tracking mask, the 32 slot
// platform state with its own mask, and tick-by-tick time stepping.
type Player struct {
	BasicPlayer
	out  Output
	skip bool // suppresses WriteEvent during fast-forward

	noteCount     int
	restCount     int
	state         [numStates]int16
	stateMask     uint32
	platformState [32]int16
	platformMask  uint32
}

// NewPlayer prepares a player over the given track. A nil out makes the
// player count notes and rests and ignore platform events, which is all a
// plain measurement pass needs.
func NewPlayer(song *ctrmml.Song, track *ctrmml.Track, out Output) *Player {
	p := &Player{}
	p.BasicPlayer = NewBasicPlayer(song, track, p)
	if out == nil {
		out = p
	}
	p.out = out
	return p
}

func stateIndex(t ctrmml.EventType) int {
	if t < ctrmml.EventChannelCmd || t >= ctrmml.EventCmdCount {
		panic("BUG: Unsupported event type")
	}
	return int(t - ctrmml.EventChannelCmd)
}

// Var returns the last set value of a channel command. Asking for a type
// outside the channel command range is a programming error and panics.
func (p *Player) Var(t ctrmml.EventType) int16 {
	return p.state[stateIndex(t)]
}

// UpdateFlag reports whether the state slot for t changed since the flag was
// last cleared.
func (p *Player) UpdateFlag(t ctrmml.EventType) bool {
	return p.stateMask&(1<<uint(stateIndex(t))) != 0
}

// ClearUpdateFlag acknowledges a state change.
func (p *Player) ClearUpdateFlag(t ctrmml.EventType) {
	p.stateMask &^= 1 << uint(stateIndex(t))
}

// CoarseVolumeFlag reports whether the volume state was last written in
// coarse units, as opposed to fine driver units.
func (p *Player) CoarseVolumeFlag() bool {
	return p.stateMask&(1<<volBit) != 0
}

// BPMFlag reports whether the tempo state holds beats per minute.
func (p *Player) BPMFlag() bool {
	return p.stateMask&(1<<bpmBit) != 0
}

// PlatformVar returns a platform state slot. Slots outside 0..31 read as 0.
func (p *Player) PlatformVar(slot int) int16 {
	if slot < 0 || slot > 31 {
		return 0
	}
	return p.platformState[slot]
}

// PlatformFlag reports whether a platform state slot has a pending update.
// Slots outside 0..31 read as false.
func (p *Player) PlatformFlag(slot int) bool {
	if slot < 0 || slot > 31 {
		return false
	}
	return p.platformMask&(1<<uint(slot)) != 0
}

// ClearPlatformFlag acknowledges a platform slot update.
func (p *Player) ClearPlatformFlag(slot int) {
	if slot < 0 || slot > 31 {
		return
	}
	p.platformMask &^= 1 << uint(slot)
}

// NoteCount returns the number of notes written by the default output.
func (p *Player) NoteCount() int {
	return p.noteCount
}

// RestCount returns the number of rests written by the default output.
func (p *Player) RestCount() int {
	return p.restCount
}

func (p *Player) setFlag(t ctrmml.EventType) {
	p.stateMask |= 1 << uint(stateIndex(t))
}

// handleDrumMode turns a note into a subroutine call while drum mode is
// active. The first note enters the subroutine, saving the caller's timing
// in the stack frame; the subroutine's own first note restores it and
// returns.
func (p *Player) handleDrumMode() error {
	if p.stackKind() != frameDrum {
		offset := int(p.state[stateIndex(ctrmml.EventDrumMode)])
		id := offset + int(p.event.Param)
		target, ok := p.song.Track(uint16(id))
		if !ok || id < 0 {
			return p.Errorf("drum mode error: track *%d is not defined (base %d, note %d)",
				id, offset, p.event.Param)
		}
		if err := p.stackPush(frame{
			kind:        frameDrum,
			track:       p.track,
			position:    p.position,
			endPosition: p.onTime,
			count:       p.offTime,
		}); err != nil {
			return err
		}
		p.track = target
		p.position = 0
		p.onTime = 0
		p.offTime = 0
		p.event.Type = ctrmml.EventNop
		return nil
	}
	top, err := p.stackTop(frameDrum)
	if err != nil {
		return err
	}
	p.onTime = top.endPosition
	p.offTime = top.count
	p.position = top.position
	f, err := p.stackPop(frameDrum)
	if err != nil {
		return err
	}
	p.track = f.track
	return nil
}

func (p *Player) handleEvent() error {
	switch p.event.Type {
	case ctrmml.EventNote:
		if p.state[stateIndex(ctrmml.EventDrumMode)] != 0 {
			return p.handleDrumMode()
		}
	case ctrmml.EventPlatform:
		tag, ok := p.song.PlatformCommand(uint16(p.event.Param))
		if !ok {
			return p.Errorf("Platform command %d is not defined", p.event.Param)
		}
		mask, err := p.out.ParsePlatformEvent(tag, p.platformState[:])
		if err != nil {
			return err
		}
		p.platformMask |= mask
	case ctrmml.EventTransposeRel:
		p.state[stateIndex(ctrmml.EventTranspose)] += p.event.Param
		p.setFlag(ctrmml.EventTranspose)
	case ctrmml.EventVol, ctrmml.EventVolRel:
		if p.event.Type != ctrmml.EventVolRel {
			p.state[stateIndex(ctrmml.EventVolFine)] = 0
		}
		p.state[stateIndex(ctrmml.EventVolFine)] += p.event.Param
		p.setFlag(ctrmml.EventVolFine)
		p.stateMask |= 1 << volBit
	case ctrmml.EventVolFineRel:
		p.state[stateIndex(ctrmml.EventVolFine)] += p.event.Param
		p.setFlag(ctrmml.EventVolFine)
		p.stateMask &^= 1 << volBit
	case ctrmml.EventTempoBPM:
		p.state[stateIndex(ctrmml.EventTempo)] = p.event.Param
		p.setFlag(ctrmml.EventTempo)
		p.stateMask |= 1 << bpmBit
	default:
		if p.event.Type >= ctrmml.EventChannelCmd && p.event.Type < ctrmml.EventCmdCount {
			idx := stateIndex(p.event.Type)
			p.state[idx] = p.event.Param
			p.stateMask |= 1 << uint(idx)
			if p.event.Type == ctrmml.EventVolFine {
				p.stateMask &^= 1 << volBit
			}
			if p.event.Type == ctrmml.EventTempo {
				p.stateMask &^= 1 << bpmBit
			}
		}
	}
	return nil
}

// EventHook implements Hooks.
func (p *Player) EventHook() error {
	if err := p.handleEvent(); err != nil {
		return err
	}
	if !p.skip {
		return p.out.WriteEvent()
	}
	return nil
}

// LoopHook implements Hooks; playback loops until the owner stops stepping.
func (p *Player) LoopHook() bool {
	return true
}

// EndHook implements Hooks, emitting a final end event.
func (p *Player) EndHook() error {
	p.event = ctrmml.Event{Type: ctrmml.EventEnd, Ref: p.ref}
	return p.out.WriteEvent()
}

// ParsePlatformEvent implements Output; the default player has no platform.
func (p *Player) ParsePlatformEvent(tag ctrmml.Tag, state []int16) (uint32, error) {
	return 0, nil
}

// WriteEvent implements Output, tallying notes and rests.
func (p *Player) WriteEvent() error {
	switch p.event.Type {
	case ctrmml.EventNote:
		p.noteCount++
	case ctrmml.EventRest, ctrmml.EventEnd:
		p.restCount++
	}
	return nil
}

// PlayTick advances playback by exactly one tick. Expired note time emits a
// key-off rest; once both timers are spent, events are stepped until one of
// them runs again or the track ends, so zero length event chains resolve
// within the tick.
func (p *Player) PlayTick() error {
	if p.onTime > 0 {
		p.onTime--
		if p.onTime == 0 && p.offTime > 0 {
			p.event = ctrmml.Event{Type: ctrmml.EventRest, Ref: p.ref}
			if err := p.out.WriteEvent(); err != nil {
				return err
			}
		}
	} else if p.offTime > 0 {
		p.offTime--
	}
	for p.enabled && p.onTime == 0 && p.offTime == 0 {
		if err := p.StepEvent(); err != nil {
			return err
		}
	}
	p.playTime++
	return nil
}

// SkipTicks fast-forwards the given number of ticks without emitting events.
// The full state machine still runs, so volume, pitch, stack and loop state
// afterwards match having played every tick. A disabled player just advances
// its clock.
func (p *Player) SkipTicks(ticks int) error {
	if !p.enabled {
		p.playTime += ticks
		return nil
	}
	p.skip = true
	for ticks > 0 && p.enabled {
		if p.onTime > ticks {
			p.onTime -= ticks
			break
		}
		p.playTime += p.onTime
		ticks -= p.onTime
		p.onTime = 0

		if p.offTime > ticks {
			p.offTime -= ticks
			break
		}
		p.playTime += p.offTime
		ticks -= p.offTime
		p.offTime = 0

		if err := p.StepEvent(); err != nil {
			p.skip = false
			return err
		}
	}
	p.playTime += ticks
	p.skip = false
	return nil
}
