package md

import (
	"encoding/binary"
	"strconv"

	"github.com/Team-Digital-Fairy/ctrmml"
	"github.com/Team-Digital-Fairy/ctrmml/seq"
)

// Platform state slots shared by all Mega Drive channels.
const (
	platChannelMode = 0
	platLFO         = 1
	platLFODelay    = 2
	platLFOConfig   = 3
	platFM3Mask     = 4
	platWriteAddr   = 5
	platWriteData   = 6
)

// voice is the per-hardware half of a channel. The Channel runs the music
// logic shared by every kind and calls out for register effects.
type voice interface {
	setIns() error
	setVol() error
	setPan() error
	keyOn() error
	keyOff() error
	setPitch() error
	setType() error
	updateEnvelope() error
}

// Channel binds one sequencer track to one hardware slot. Channels 0..5 are
// the FM channels (channel 2 doubling as FM3), 6..8 the PSG tones, 9 the
// PSG noise and 10..15 inert dummy slots usable as FM3 operand donors.
type Channel struct {
	*seq.Player
	drv *Driver
	id  int
	v   voice

	slurFlag  bool
	keyOnFlag bool
	pcmActive bool

	// Portamento state, in 1/256 semitone units.
	notePitch  int
	portaValue int
	lastPitch  int

	// Pitch envelope cursor over a bank blob.
	pitchEnvData  []byte
	pitchEnvValue int16
	pitchEnvDelta int8
	pitchEnvDelay uint8
	pitchEnvPos   uint8

	// pitch is the combined output of note, portamento and envelope.
	pitch        int
	insTranspose int8
	con          uint8
	tl           [4]uint8
	fm3Ops       uint8
	lfoDelay     uint8
}

func newChannel(drv *Driver, track *ctrmml.Track, id int) *Channel {
	c := &Channel{drv: drv, id: id}
	switch {
	case id < 6:
		c.v = &fmVoice{ch: c, bank: uint8(id / 3), id: uint8(id % 3), panLfo: 0xC0}
	case id < 9:
		c.v = &psgVoice{ch: c, id: uint8(id - 6)}
	case id == 9:
		c.v = &noiseVoice{psgVoice: psgVoice{ch: c, id: 3}}
	default:
		c.v = &dummyVoice{ch: c}
	}
	c.Player = seq.NewPlayer(drv.song, track, c)
	return c
}

// update advances the channel by one engine frame carrying the given number
// of sequencer ticks. Portamento, envelopes and deferred register writes
// run at the frame rate so their speed does not depend on the tempo.
func (c *Channel) update(ticks int) error {
	for i := 0; i < ticks; i++ {
		if err := c.PlayTick(); err != nil {
			return err
		}
	}
	c.updatePitch()
	if err := c.v.updateEnvelope(); err != nil {
		return err
	}
	if c.keyOnFlag && !c.pcmActive && c.pitch != c.lastPitch {
		if err := c.v.setPitch(); err != nil {
			return err
		}
		c.lastPitch = c.pitch
	}
	return nil
}

// WriteEvent implements seq.Output, turning written events into hardware
// effects.
func (c *Channel) WriteEvent() error {
	switch c.Event().Type {
	case ctrmml.EventNote:
		return c.noteOn()
	case ctrmml.EventTie:
		return c.applyUpdates()
	case ctrmml.EventSlur:
		c.slurFlag = true
	case ctrmml.EventRest, ctrmml.EventEnd:
		return c.keyOff()
	case ctrmml.EventPlatform:
		return c.flushPlatform()
	}
	return nil
}

// applyUpdates flushes pending volume and pan changes without retriggering.
func (c *Channel) applyUpdates() error {
	if c.UpdateFlag(ctrmml.EventVolFine) {
		c.ClearUpdateFlag(ctrmml.EventVolFine)
		if err := c.v.setVol(); err != nil {
			return err
		}
	}
	if c.UpdateFlag(ctrmml.EventPan) {
		c.ClearUpdateFlag(ctrmml.EventPan)
		if err := c.v.setPan(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) noteOn() error {
	insID := uint16(c.Var(ctrmml.EventIns))
	if c.UpdateFlag(ctrmml.EventIns) {
		c.ClearUpdateFlag(ctrmml.EventIns)
		if t, ok := c.drv.data.InsTranspose[insID]; ok {
			c.insTranspose = t
		} else {
			c.insTranspose = 0
		}
		if c.drv.data.InsType[insID] != InsPCM {
			if err := c.v.setIns(); err != nil {
				return err
			}
		}
	}
	if c.UpdateFlag(ctrmml.EventPitchEnvelope) {
		c.ClearUpdateFlag(ctrmml.EventPitchEnvelope)
		if err := c.loadPitchEnvelope(int(c.Var(ctrmml.EventPitchEnvelope))); err != nil {
			return err
		}
	}
	if err := c.applyUpdates(); err != nil {
		return err
	}
	if c.drv.data.InsType[insID] == InsPCM {
		if !c.slurFlag {
			if err := c.keyOnPCM(insID); err != nil {
				return err
			}
		}
		c.slurFlag = false
		return nil
	}
	note := int(c.Event().Param) + int(c.Var(ctrmml.EventTranspose)) + int(c.insTranspose)
	target := note<<8 + int(c.Var(ctrmml.EventDetune))
	c.notePitch = target
	if c.Var(ctrmml.EventPortamento) == 0 || !c.keyOnFlag {
		c.portaValue = target
	}
	if !c.slurFlag {
		c.restartPitchEnvelope()
		c.lfoDelay = uint8(c.PlatformVar(platLFODelay))
		// Latch the frequency before the key on.
		c.pitch = c.portaValue + int(c.pitchEnvValue)
		if c.pitch != c.lastPitch {
			if err := c.v.setPitch(); err != nil {
				return err
			}
			c.lastPitch = c.pitch
		}
		c.keyOnFlag = true
		if err := c.v.keyOn(); err != nil {
			return err
		}
	}
	c.slurFlag = false
	return nil
}

func (c *Channel) keyOff() error {
	if !c.keyOnFlag {
		return nil
	}
	c.keyOnFlag = false
	if c.pcmActive {
		return c.keyOffPCM()
	}
	return c.v.keyOff()
}

// keyOnPCM starts sample playback, preempting the channel's synthesis.
func (c *Channel) keyOnPCM(insID uint16) error {
	wave, ok := c.drv.data.WaveMap[insID]
	if !ok {
		return c.Errorf("instrument %d has no sample", insID)
	}
	if c.pcmActive {
		c.drv.stopPCM(c.id)
	}
	c.drv.startPCM(c.id, wave)
	c.pcmActive = true
	c.keyOnFlag = true
	return nil
}

func (c *Channel) keyOffPCM() error {
	c.drv.stopPCM(c.id)
	c.pcmActive = false
	return nil
}

// updatePitch recomputes the output pitch from the portamento glide and the
// pitch envelope. The result is compared against the last written value so
// an unchanged pitch costs no register writes.
func (c *Channel) updatePitch() {
	if c.portaValue != c.notePitch {
		step := int(c.Var(ctrmml.EventPortamento))
		if step <= 0 {
			c.portaValue = c.notePitch
		} else if c.portaValue < c.notePitch {
			c.portaValue += step
			if c.portaValue > c.notePitch {
				c.portaValue = c.notePitch
			}
		} else {
			c.portaValue -= step
			if c.portaValue < c.notePitch {
				c.portaValue = c.notePitch
			}
		}
	}
	c.pitch = c.portaValue + int(c.pitchEnvValue)
	if c.pitchEnvData != nil && c.keyOnFlag {
		c.stepPitchEnvelope()
	}
}

func (c *Channel) loadPitchEnvelope(id int) error {
	if id == 0 {
		c.pitchEnvData = nil
		c.pitchEnvValue = 0
		return nil
	}
	bankID, ok := c.drv.data.PitchMap[uint16(id)]
	if !ok {
		return c.Errorf("pitch envelope %d is not defined", id)
	}
	c.pitchEnvData = c.drv.data.Bank[bankID]
	c.restartPitchEnvelope()
	return nil
}

func (c *Channel) restartPitchEnvelope() {
	c.pitchEnvValue = 0
	if c.pitchEnvData != nil {
		c.loadPitchNode(0)
	}
}

func (c *Channel) loadPitchNode(i uint8) {
	off := 2 + int(i)*4
	data := c.pitchEnvData
	c.pitchEnvPos = i
	c.pitchEnvValue = int16(binary.BigEndian.Uint16(data[off : off+2]))
	c.pitchEnvDelta = int8(data[off+2])
	c.pitchEnvDelay = data[off+3]
}

// stepPitchEnvelope prepares the next frame's envelope value: accumulate
// the node delta, and advance to the next node once the length runs out,
// wrapping to the loop node after the last. A zero length node holds its
// value.
func (c *Channel) stepPitchEnvelope() {
	if c.pitchEnvDelay == 0 {
		return
	}
	c.pitchEnvValue += int16(c.pitchEnvDelta)
	c.pitchEnvDelay--
	if c.pitchEnvDelay > 0 {
		return
	}
	next := c.pitchEnvPos + 1
	if next >= c.pitchEnvData[1] {
		next = c.pitchEnvData[0]
	}
	c.loadPitchNode(next)
}

// ParsePlatformEvent implements seq.Output. Tag commands address the
// platform state slots; the write command queues a raw register write.
func (c *Channel) ParsePlatformEvent(tag ctrmml.Tag, state []int16) (uint32, error) {
	if len(tag) == 0 {
		return 0, c.Errorf("empty platform command")
	}
	argErr := func() error {
		return c.Errorf("platform command %q needs a numeric argument", tag[0])
	}
	arg := func(i int) (int16, bool) {
		if i >= len(tag) {
			return 0, false
		}
		v, err := strconv.ParseInt(tag[i], 0, 16)
		if err != nil {
			return 0, false
		}
		return int16(v), true
	}
	switch tag[0] {
	case "mode":
		if v, ok := arg(1); ok {
			state[platChannelMode] = v
			return 1 << platChannelMode, nil
		}
	case "lfo":
		if v, ok := arg(1); ok {
			state[platLFO] = v
			return 1 << platLFO, nil
		}
	case "lfodelay":
		if v, ok := arg(1); ok {
			state[platLFODelay] = v
			return 1 << platLFODelay, nil
		}
	case "lfoconfig":
		if v, ok := arg(1); ok {
			state[platLFOConfig] = v
			return 1 << platLFOConfig, nil
		}
	case "fm3":
		if v, ok := arg(1); ok {
			state[platFM3Mask] = v
			return 1 << platFM3Mask, nil
		}
	case "write":
		addr, ok1 := arg(1)
		data, ok2 := arg(2)
		if ok1 && ok2 {
			state[platWriteAddr] = addr
			state[platWriteData] = data
			return 1<<platWriteAddr | 1<<platWriteData, nil
		}
	default:
		return 0, c.Errorf("unknown platform command %q", tag[0])
	}
	return 0, argErr()
}

// flushPlatform applies pending platform slot updates.
func (c *Channel) flushPlatform() error {
	if c.PlatformFlag(platChannelMode) {
		c.ClearPlatformFlag(platChannelMode)
		if err := c.v.setType(); err != nil {
			return err
		}
	}
	if c.PlatformFlag(platLFO) {
		c.ClearPlatformFlag(platLFO)
		v := c.PlatformVar(platLFO)
		data := uint8(0)
		if v != 0 {
			data = 8 | uint8(v-1)&7
		}
		c.drv.write(ctrmml.ChipFM, 0, 0x22, data)
	}
	// The delay takes effect at the next key on.
	c.ClearPlatformFlag(platLFODelay)
	if c.PlatformFlag(platLFOConfig) {
		c.ClearPlatformFlag(platLFOConfig)
		if err := c.v.setPan(); err != nil {
			return err
		}
	}
	if c.PlatformFlag(platFM3Mask) {
		c.ClearPlatformFlag(platFM3Mask)
		c.drv.claimFM3(c, uint8(c.PlatformVar(platFM3Mask))&0xF)
	}
	if c.PlatformFlag(platWriteData) {
		c.ClearPlatformFlag(platWriteAddr)
		c.ClearPlatformFlag(platWriteData)
		addr := uint16(c.PlatformVar(platWriteAddr))
		port := 0
		if addr >= 0x100 {
			port = 1
		}
		c.drv.write(ctrmml.ChipFM, port, uint8(addr), uint8(c.PlatformVar(platWriteData)))
	}
	return nil
}

// amsFms returns the AMS/FMS bits for the pan register, zero while the LFO
// delay since the last key on has not elapsed.
func (c *Channel) amsFms() uint8 {
	if c.lfoDelay > 0 {
		return 0
	}
	return uint8(c.PlatformVar(platLFOConfig)) & 0x37
}

// fmFnum holds the channel 4 fnum per semitone from C, with one extra entry
// for interpolating the top fraction.
var fmFnum = [13]int{644, 681, 722, 765, 810, 858, 910, 964, 1021, 1081, 1146, 1214, 1288}

// fmPitch converts a 1/256 semitone pitch to a YM2612 block and fnum pair.
func fmPitch(pitch int) uint16 {
	if pitch < 0 {
		pitch = 0
	}
	note := (pitch >> 8) % 12
	block := (pitch >> 8) / 12
	if block > 7 {
		block = 7
	}
	frac := pitch & 0xFF
	fnum := fmFnum[note] + ((fmFnum[note+1]-fmFnum[note])*frac)>>8
	return uint16(block)<<11 | uint16(fnum)
}

// psgPeriod holds the octave 0 tone period per semitone from C, with one
// extra entry for interpolation.
var psgPeriod = [13]int{6841, 6457, 6095, 5752, 5429, 5125, 4837, 4566, 4310, 4068, 3839, 3624, 3420}

// psgPitch converts a 1/256 semitone pitch to an SN76489 tone period.
func psgPitch(pitch int) uint16 {
	if pitch < 0 {
		pitch = 0
	}
	note := (pitch >> 8) % 12
	octave := (pitch >> 8) / 12
	frac := pitch & 0xFF
	p := psgPeriod[note] - ((psgPeriod[note]-psgPeriod[note+1])*frac)>>8
	p >>= uint(octave)
	if p < 1 {
		p = 1
	}
	if p > 1023 {
		p = 1023
	}
	return uint16(p)
}

// writeFMOperator writes the seven timbre registers of one operator register
// slot, TL at its instrument value, and returns that TL byte so the volume
// pass can rewrite the carrier slots.
func (c *Channel) writeFMOperator(port int, ch uint8, slot int, blob []byte) uint8 {
	for param := 0; param < 7; param++ {
		c.drv.write(ctrmml.ChipFM, port, 0x30+uint8(param*16+slot*4)+ch, blob[param*4+slot])
	}
	return blob[4+slot]
}

// writeFM4Op loads a full instrument blob onto an FM channel and caches the
// connection and TL bytes for the volume pass.
func (c *Channel) writeFM4Op(port int, ch uint8, blob []byte) {
	for slot := 0; slot < 4; slot++ {
		c.tl[slot] = c.writeFMOperator(port, ch, slot, blob)
	}
	c.con = blob[28] & 7
	c.drv.write(ctrmml.ChipFM, port, 0xB0+ch, blob[28])
}

// algCarriers gives the carrier operator mask per algorithm, operator
// numbered bit 0 = op1 .. bit 3 = op4.
var algCarriers = [8]uint8{8, 8, 8, 8, 0xA, 0xE, 0xE, 0xF}

// volumeTL converts the channel volume state to a TL attenuation offset.
// Coarse volumes 0..15 step 4 TL units, fine volumes are raw TL.
func (c *Channel) volumeTL() uint8 {
	vol := int(c.Var(ctrmml.EventVolFine))
	if c.CoarseVolumeFlag() {
		vol = (15 - clampInt(vol, 0, 15)) * 4
	}
	return uint8(clampInt(vol, 0, 127))
}

// volumeAtten converts the channel volume state to an SN76489 attenuation
// value. Fine volumes are raw attenuation.
func (c *Channel) volumeAtten() int {
	vol := int(c.Var(ctrmml.EventVolFine))
	if c.CoarseVolumeFlag() {
		return 15 - clampInt(vol, 0, 15)
	}
	return clampInt(vol, 0, 15)
}

// insBlob fetches the data bank blob for the current instrument, checking
// that it suits the channel kind.
func (c *Channel) insBlob(want InstrumentType, kind string) ([]byte, error) {
	insID := uint16(c.Var(ctrmml.EventIns))
	bankID, ok := c.drv.data.EnvelopeMap[insID]
	if !ok {
		return nil, c.Errorf("instrument %d is not defined", insID)
	}
	if c.drv.data.InsType[insID] != want {
		return nil, c.Errorf("instrument %d is not a %s instrument", insID, kind)
	}
	return c.drv.data.Bank[bankID], nil
}

// setInsFM3 loads the timbre of the operators this channel claims in FM3
// special mode. The connection byte is shared by all claimants, so 2op
// instruments force algorithm 4 to keep the pairs independent.
func (c *Channel) setInsFM3(blob []byte) {
	for op := 0; op < 4; op++ {
		if c.fm3Ops&(1<<uint(op)) == 0 {
			continue
		}
		slot := opSlot[op]
		c.writeFMOperator(0, 2, slot, blob)
		c.drv.fm3TL[slot] = blob[4+slot]
	}
	c.drv.fm3Con = blob[28] & 7
	c.drv.write(ctrmml.ChipFM, 0, 0xB0+2, blob[28])
}

// setVolFM3 writes carrier TL for the operators this channel claims in FM3
// special mode.
func (c *Channel) setVolFM3() error {
	atten := c.volumeTL()
	for op := 0; op < 4; op++ {
		if c.fm3Ops&(1<<uint(op)) == 0 {
			continue
		}
		if algCarriers[c.drv.fm3Con]&(1<<uint(op)) == 0 {
			continue
		}
		slot := opSlot[op]
		tl := clampInt(int(c.drv.fm3TL[slot])+int(atten), 0, 127)
		c.drv.write(ctrmml.ChipFM, 0, 0x40+uint8(slot*4)+2, uint8(tl))
	}
	return nil
}

// Per-operator frequency registers of channel 3 special mode, indexed by
// operator number.
var (
	fm3FreqHi = [4]uint8{0xAD, 0xAE, 0xAC, 0xA6}
	fm3FreqLo = [4]uint8{0xA9, 0xAA, 0xA8, 0xA2}
)

// setPitchFM3 writes the per-operator frequency for the claimed operators.
func (c *Channel) setPitchFM3() error {
	fnum := fmPitch(c.pitch)
	for op := 0; op < 4; op++ {
		if c.fm3Ops&(1<<uint(op)) == 0 {
			continue
		}
		c.drv.write(ctrmml.ChipFM, 0, fm3FreqHi[op], uint8(fnum>>8))
		c.drv.write(ctrmml.ChipFM, 0, fm3FreqLo[op], uint8(fnum))
	}
	return nil
}

// keyOnFM3 triggers only the claimed operators of channel 3, preserving the
// on state of operators owned by other channels.
func (c *Channel) keyOnFM3(on bool) {
	if on {
		c.drv.fm3Key |= c.fm3Ops
	} else {
		c.drv.fm3Key &^= c.fm3Ops
	}
	c.drv.write(ctrmml.ChipFM, 0, 0x28, c.drv.fm3Key<<4|2)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
