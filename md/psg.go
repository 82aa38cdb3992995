package md

import "github.com/Team-Digital-Fairy/ctrmml"

// psgVoice drives one SN76489 channel. The chip has no key gate, so the
// note state is expressed entirely through the attenuation register, shaped
// by a software volume envelope when an instrument is set. Tone channels
// can also be lent to FM3 special mode, in which case the PSG output stays
// silent and the channel drives its claimed YM2612 operators instead.
type psgVoice struct {
	ch  *Channel
	id  uint8 // 0..2 tone, 3 noise
	fm3 bool

	envData   []byte
	envKeyoff bool
	envPos    uint8
	envDelay  uint8
	envVol    uint8
	lastVol   uint8
}

func (p *psgVoice) setIns() error {
	if p.fm3 {
		blob, err := p.ch.insBlob(InsFM, "fm")
		if err != nil {
			return err
		}
		p.ch.setInsFM3(blob)
		return p.ch.setVolFM3()
	}
	blob, err := p.ch.insBlob(InsPSG, "psg")
	if err != nil {
		return err
	}
	p.envData = blob
	p.loadEnvNode(2)
	return nil
}

func (p *psgVoice) setVol() error {
	if p.fm3 {
		return p.ch.setVolFM3()
	}
	p.writeVol()
	return nil
}

func (p *psgVoice) setPan() error {
	return nil
}

func (p *psgVoice) keyOn() error {
	if p.fm3 {
		p.ch.keyOnFM3(true)
		return nil
	}
	p.envKeyoff = false
	if p.envData != nil {
		p.loadEnvNode(2)
	}
	p.writeVol()
	return nil
}

func (p *psgVoice) keyOff() error {
	if p.fm3 {
		p.ch.keyOnFM3(false)
		return nil
	}
	p.envKeyoff = true
	if p.envData == nil {
		p.silence()
		return nil
	}
	p.loadEnvNode(p.envData[0])
	p.writeVol()
	return nil
}

func (p *psgVoice) setPitch() error {
	if p.fm3 {
		return p.ch.setPitchFM3()
	}
	p.writePeriod(p.id, psgPitch(p.ch.pitch))
	return nil
}

func (p *psgVoice) setType() error {
	fm3 := p.ch.PlatformVar(platChannelMode) != 0
	if fm3 != p.fm3 {
		p.silence()
		p.fm3 = fm3
	}
	return nil
}

func (p *psgVoice) updateEnvelope() error {
	if p.fm3 || p.envData == nil {
		return nil
	}
	p.stepEnvelope()
	p.writeVol()
	return nil
}

// stepEnvelope runs one frame of the volume envelope cursor. While the key
// is held the cursor wraps from the end of the sustain section to the loop
// node; after key off it runs the release section once and holds silent at
// the end marker. An advance consumes one frame of the loaded node so that
// every node lasts exactly its length.
func (p *psgVoice) stepEnvelope() {
	data := p.envData
	if data[p.envPos] == 0xFF {
		if p.envKeyoff {
			p.envVol = 0
			return
		}
		p.loadEnvNode(data[1])
		return
	}
	if p.envDelay > 0 {
		p.envDelay--
		return
	}
	next := p.envPos + 2
	if !p.envKeyoff && (next >= data[0] || data[next] == 0xFF) {
		next = data[1]
	}
	p.loadEnvNode(next)
	if p.envDelay > 0 {
		p.envDelay--
	}
}

func (p *psgVoice) loadEnvNode(off uint8) {
	p.envPos = off
	if p.envData[off] == 0xFF {
		p.envVol = 0
		p.envDelay = 0
		return
	}
	p.envVol = p.envData[off]
	p.envDelay = p.envData[off+1]
}

// attenuation combines the envelope and channel volume. Without an envelope
// the key state gates the output directly.
func (p *psgVoice) attenuation() uint8 {
	env := 15
	if p.envData != nil {
		env = int(p.envVol)
	} else if !p.ch.keyOnFlag {
		env = 0
	}
	att := (15 - env) + p.ch.volumeAtten()
	return uint8(clampInt(att, 0, 15))
}

// writeVol latches the attenuation register, skipping the write when the
// value has not changed since the last one.
func (p *psgVoice) writeVol() {
	b := 0x90 | p.id<<5 | p.attenuation()
	if b == p.lastVol {
		return
	}
	p.lastVol = b
	p.ch.drv.write(ctrmml.ChipPSG, 0, 0, b)
}

func (p *psgVoice) silence() {
	b := uint8(0x90 | p.id<<5 | 0xF)
	p.lastVol = b
	p.ch.drv.write(ctrmml.ChipPSG, 0, 0, b)
}

func (p *psgVoice) writePeriod(id uint8, period uint16) {
	p.ch.drv.write(ctrmml.ChipPSG, 0, 0, 0x80|id<<5|uint8(period&0xF))
	p.ch.drv.write(ctrmml.ChipPSG, 0, 0, uint8(period>>4)&0x3F)
}

// noiseVoice drives the SN76489 noise channel. In melodic mode the noise
// rate is clocked by tone channel 3, whose period this voice drives to play
// tuned noise. The low note bits select the rate and feedback otherwise.
type noiseVoice struct {
	psgVoice
	melodic bool
}

func (n *noiseVoice) setPitch() error {
	if n.melodic {
		n.writePeriod(2, psgPitch(n.ch.pitch))
		return nil
	}
	n.ch.drv.write(ctrmml.ChipPSG, 0, 0, 0xE0|uint8(n.ch.pitch>>8)&7)
	return nil
}

func (n *noiseVoice) setType() error {
	melodic := n.ch.PlatformVar(platChannelMode) != 0
	if melodic == n.melodic {
		return nil
	}
	n.melodic = melodic
	if melodic {
		// white noise clocked by tone 3
		n.ch.drv.write(ctrmml.ChipPSG, 0, 0, 0xE7)
	}
	return nil
}
