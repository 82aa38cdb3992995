package md

import "github.com/Team-Digital-Fairy/ctrmml"

const (
	fmModeNormal = 0
	fmModeFM3    = 1
)

// fmVoice drives one YM2612 channel. Channel 3 (bank 0, id 2) can switch
// into special mode and run as independently pitched operator pairs.
type fmVoice struct {
	ch     *Channel
	mode   int
	bank   uint8
	id     uint8
	panLfo uint8
}

func (f *fmVoice) chanBits() uint8 {
	return f.bank*4 + f.id
}

func (f *fmVoice) setIns() error {
	blob, err := f.ch.insBlob(InsFM, "fm")
	if err != nil {
		return err
	}
	if f.mode == fmModeFM3 {
		f.ch.setInsFM3(blob)
		return f.ch.setVolFM3()
	}
	f.ch.writeFM4Op(int(f.bank), f.id, blob)
	return f.setVol()
}

func (f *fmVoice) setVol() error {
	if f.mode == fmModeFM3 {
		return f.ch.setVolFM3()
	}
	atten := f.ch.volumeTL()
	for op := 0; op < 4; op++ {
		if algCarriers[f.ch.con]&(1<<uint(op)) == 0 {
			continue
		}
		slot := opSlot[op]
		tl := clampInt(int(f.ch.tl[slot])+int(atten), 0, 127)
		f.ch.drv.write(ctrmml.ChipFM, int(f.bank), 0x40+uint8(slot*4)+f.id, uint8(tl))
	}
	return nil
}

func (f *fmVoice) setPan() error {
	pan := uint8(f.ch.Var(ctrmml.EventPan)) & 3
	if pan == 0 {
		pan = 3
	}
	f.panLfo = pan<<6 | f.ch.amsFms()
	f.ch.drv.write(ctrmml.ChipFM, int(f.bank), 0xB4+f.id, f.panLfo)
	return nil
}

func (f *fmVoice) keyOn() error {
	if f.mode == fmModeFM3 {
		f.ch.keyOnFM3(true)
		return nil
	}
	// Write off first so repeated notes retrigger.
	f.ch.drv.write(ctrmml.ChipFM, 0, 0x28, f.chanBits())
	f.ch.drv.write(ctrmml.ChipFM, 0, 0x28, 0xF0|f.chanBits())
	return nil
}

func (f *fmVoice) keyOff() error {
	if f.mode == fmModeFM3 {
		f.ch.keyOnFM3(false)
		return nil
	}
	f.ch.drv.write(ctrmml.ChipFM, 0, 0x28, f.chanBits())
	return nil
}

func (f *fmVoice) setPitch() error {
	if f.mode == fmModeFM3 {
		return f.ch.setPitchFM3()
	}
	fnum := fmPitch(f.ch.pitch)
	f.ch.drv.write(ctrmml.ChipFM, int(f.bank), 0xA4+f.id, uint8(fnum>>8))
	f.ch.drv.write(ctrmml.ChipFM, int(f.bank), 0xA0+f.id, uint8(fnum))
	return nil
}

func (f *fmVoice) setType() error {
	mode := int(f.ch.PlatformVar(platChannelMode))
	if f.bank == 0 && f.id == 2 {
		f.mode = mode
		f.ch.drv.updateFM3Mode()
	}
	return nil
}

func (f *fmVoice) updateEnvelope() error {
	// FM envelopes run in hardware; only the LFO delay needs stepping.
	if f.ch.lfoDelay > 0 {
		f.ch.lfoDelay--
		if f.ch.lfoDelay == 0 {
			return f.setPan()
		}
	}
	return nil
}
