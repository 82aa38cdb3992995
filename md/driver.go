package md

import (
	"math"

	"github.com/Team-Digital-Fairy/ctrmml"
)

// FM chip clocks of the NTSC and PAL Mega Drive.
const (
	fmClockNTSC = 7670454
	fmClockPAL  = 7600489

	// frameDivider scales the FM clock down to the engine frame rate: 144
	// chip cycles per sample and a 16x16 timer prescale.
	frameDivider = 36864
)

const pcmStreamCount = 3

// pcmStream is one software mixer slot feeding the DAC.
type pcmStream struct {
	owner  int
	header WaveHeader
	pos    uint32
	phase  uint8
	active bool
}

// Driver plays one song at the YM2612 + SN76489 register level, delivering
// writes and delays to a Sink. Its time base is the engine frame rate
// derived from the FM clock; musical ticks are divided out of frames by an
// 8 bit tempo accumulator, and the PCM mixer runs on its own accumulator.
type Driver struct {
	rate    int
	sink    ctrmml.Sink
	fmClock int

	song     *ctrmml.Song
	data     *Data
	channels []*Channel

	// 16.16 fixed-point accumulators against the output sample rate.
	seqDelta   uint32
	seqCounter uint32
	pcmDelta   uint32
	pcmCounter uint32

	tempoDelta   uint8
	tempoCounter uint8

	// FM3 special mode state shared between the claiming channels.
	fm3Con  uint8
	fm3Key  uint8
	fm3Mode uint8
	fm3TL   [4]uint8

	loopCount int
	streams   [pcmStreamCount]pcmStream
	dacOn     bool
}

// NewDriver creates a driver rendering at the given output sample rate.
// pal selects the PAL FM clock, slowing the engine frame rate accordingly.
func NewDriver(rate int, sink ctrmml.Sink, pal bool) *Driver {
	clock := fmClockNTSC
	if pal {
		clock = fmClockPAL
	}
	d := &Driver{rate: rate, sink: sink, fmClock: clock}
	d.seqDelta = uint32((uint64(clock) << 16) / uint64(frameDivider*rate))
	d.pcmDelta = uint32((uint64(PCMMixRate) << 16) / uint64(rate))
	return d
}

// PlaySong compiles the song's data bank, silences the chips and attaches
// a channel to every track in the channel id range. Ids 0..5 map to FM
// channels, 6..8 to PSG tones, 9 to PSG noise and 10..15 to dummy slots;
// higher ids are subroutines and get no channel.
func (d *Driver) PlaySong(song *ctrmml.Song) error {
	data, err := ReadSong(song)
	if err != nil {
		return err
	}
	d.song = song
	d.data = data
	d.resetState()
	d.writeInit()
	for id := 0; id < 16; id++ {
		track, ok := song.Track(uint16(id))
		if !ok {
			continue
		}
		d.channels = append(d.channels, newChannel(d, track, id))
	}
	d.tempoDelta = d.tempoConvert(120)
	// Fire the first frame without an initial delay.
	d.seqCounter = 1 << 16
	return nil
}

func (d *Driver) resetState() {
	d.channels = nil
	d.seqCounter = 0
	d.pcmCounter = 0
	d.tempoCounter = 0
	d.fm3Con = 0
	d.fm3Key = 0
	d.fm3Mode = 0
	d.fm3TL = [4]uint8{}
	d.loopCount = 0
	d.streams = [pcmStreamCount]pcmStream{}
	d.dacOn = false
}

// writeInit silences both chips and puts the YM2612 into a known state.
func (d *Driver) writeInit() {
	d.write(ctrmml.ChipFM, 0, 0x22, 0) // LFO off
	d.write(ctrmml.ChipFM, 0, 0x27, 0) // FM3 normal mode
	d.write(ctrmml.ChipFM, 0, 0x2B, 0) // DAC off
	for _, ch := range [6]uint8{0, 1, 2, 4, 5, 6} {
		d.write(ctrmml.ChipFM, 0, 0x28, ch)
	}
	for port := 0; port < 2; port++ {
		for ch := uint8(0); ch < 3; ch++ {
			d.write(ctrmml.ChipFM, port, 0xB4+ch, 0xC0)
		}
	}
	for _, b := range [4]uint8{0x9F, 0xBF, 0xDF, 0xFF} {
		d.write(ctrmml.ChipPSG, 0, 0, b)
	}
}

func (d *Driver) write(chip ctrmml.Chip, port int, reg, data uint8) {
	d.sink.Write(chip, uint8(port), reg, data)
}

// PlayStep advances to the next due engine frame or PCM mix step, reports
// the elapsed samples to the sink as a delay and fires every update that
// came due. It returns the elapsed sample count, zero once nothing plays.
func (d *Driver) PlayStep() (int, error) {
	if !d.IsPlaying() {
		return 0, nil
	}
	n := samplesUntil(d.seqCounter, d.seqDelta)
	pcm := d.pcmActive()
	if pcm {
		if m := samplesUntil(d.pcmCounter, d.pcmDelta); m < n {
			n = m
		}
	}
	if n > 0 {
		d.sink.Delay(n)
		d.seqCounter += uint32(n) * d.seqDelta
		if pcm {
			d.pcmCounter += uint32(n) * d.pcmDelta
		}
	}
	for pcm && d.pcmCounter >= 1<<16 {
		d.pcmCounter -= 1 << 16
		d.pcmUpdate()
	}
	for d.seqCounter >= 1<<16 {
		d.seqCounter -= 1 << 16
		if err := d.seqFrame(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// samplesUntil returns how many whole output samples fit before the
// accumulator reaches its next firing.
func samplesUntil(counter, delta uint32) int {
	if counter >= 1<<16 {
		return 0
	}
	return int((1<<16 - counter + delta - 1) / delta)
}

// seqFrame runs one engine frame: at most one sequencer tick as divided
// out by the tempo accumulator, then the per-frame channel housekeeping.
// Tempo changes written during the frame take effect from the next one.
func (d *Driver) seqFrame() error {
	sum := uint16(d.tempoCounter) + uint16(d.tempoDelta) + 1
	d.tempoCounter = uint8(sum)
	ticks := 0
	if sum > 0xFF {
		ticks = 1
	}
	for _, c := range d.channels {
		if err := c.update(ticks); err != nil {
			return err
		}
	}
	for _, c := range d.channels {
		if !c.UpdateFlag(ctrmml.EventTempo) {
			continue
		}
		c.ClearUpdateFlag(ctrmml.EventTempo)
		v := int(c.Var(ctrmml.EventTempo))
		if c.BPMFlag() {
			d.tempoDelta = d.tempoConvert(v)
		} else {
			d.tempoDelta = uint8(clampInt(v, 0, 255))
		}
	}
	loops := -1
	for _, c := range d.channels {
		if !c.Enabled() {
			continue
		}
		if n := c.LoopCount(); loops < 0 || n < loops {
			loops = n
		}
	}
	if loops >= 0 {
		d.loopCount = loops
	}
	return nil
}

// tempoConvert derives the tempo accumulator byte from beats per minute at
// the song's tick resolution.
func (d *Driver) tempoConvert(bpm int) uint8 {
	ppqn := float64(ctrmml.DefaultPPQN)
	if d.song != nil {
		ppqn = float64(d.song.TicksPerQuarter())
	}
	frameRate := float64(d.fmClock) / frameDivider
	delta := 256 * float64(bpm) * ppqn / 60 / frameRate
	return uint8(clampInt(int(math.Round(delta))-1, 0, 255))
}

// IsPlaying reports whether any channel is still enabled.
func (d *Driver) IsPlaying() bool {
	for _, c := range d.channels {
		if c.Enabled() {
			return true
		}
	}
	return false
}

// LoopCount returns how many times the whole song has looped: the minimum
// across the channels still playing.
func (d *Driver) LoopCount() int {
	return d.loopCount
}

// Reset detaches the current song and silences both chips.
func (d *Driver) Reset() {
	playing := d.song != nil
	d.resetState()
	if playing {
		d.writeInit()
	}
	d.song = nil
	d.data = nil
}

// updateFM3Mode keeps register 0x27 in sync with the outstanding operator
// claims. Any claim forces channel 3 into special mode.
func (d *Driver) updateFM3Mode() {
	mask := uint8(0)
	for _, c := range d.channels {
		mask |= c.fm3Ops
	}
	mode := uint8(0)
	if mask != 0 {
		mode = 0x40
	}
	if mode != d.fm3Mode {
		d.fm3Mode = mode
		d.write(ctrmml.ChipFM, 0, 0x27, mode)
	}
}

// claimFM3 assigns an operator set to a channel, releasing the channel's
// previous claim first.
func (d *Driver) claimFM3(c *Channel, mask uint8) {
	d.fm3Key &^= c.fm3Ops
	c.fm3Ops = mask
	d.updateFM3Mode()
}

func (d *Driver) pcmActive() bool {
	for i := range d.streams {
		if d.streams[i].active {
			return true
		}
	}
	return false
}

// startPCM claims a mixer slot for a channel and enables the DAC. A
// channel restarting playback reuses its own slot; with all slots busy the
// first one is stolen.
func (d *Driver) startPCM(owner, wave int) {
	slot := -1
	for i := range d.streams {
		if d.streams[i].active && d.streams[i].owner == owner {
			slot = i
			break
		}
		if slot < 0 && !d.streams[i].active {
			slot = i
		}
	}
	if slot < 0 {
		slot = 0
	}
	wasActive := d.pcmActive()
	d.streams[slot] = pcmStream{owner: owner, header: d.data.WaveROM.Headers()[wave], active: true}
	if !wasActive {
		d.pcmCounter = 1 << 16
	}
	if !d.dacOn {
		d.dacOn = true
		d.write(ctrmml.ChipFM, 0, 0x2B, 0x80)
	}
}

// stopPCM releases the channel's mixer slot, disabling the DAC when the
// last stream ends.
func (d *Driver) stopPCM(owner int) {
	for i := range d.streams {
		if d.streams[i].active && d.streams[i].owner == owner {
			d.streams[i].active = false
		}
	}
	d.dacIdle()
}

func (d *Driver) dacIdle() {
	if d.dacOn && !d.pcmActive() {
		d.dacOn = false
		d.write(ctrmml.ChipFM, 0, 0x2B, 0)
	}
}

// pcmUpdate mixes one DAC sample from the active streams, advancing each
// stream's phase by its rate delta.
func (d *Driver) pcmUpdate() {
	rom := d.data.WaveROM.Data()
	mix, n := 0, 0
	for i := range d.streams {
		s := &d.streams[i]
		if !s.active {
			continue
		}
		if s.pos >= s.header.Length {
			s.active = false
			continue
		}
		mix += int(rom[s.header.Start+s.pos]) - 0x80
		n++
		acc := uint16(s.phase) + uint16(s.header.Delta)
		s.pos += uint32(acc >> 8)
		s.phase = uint8(acc)
	}
	if n == 0 {
		d.dacIdle()
		return
	}
	d.write(ctrmml.ChipFM, 0, 0x2A, uint8(clampInt(mix+0x80, 0, 255)))
}
