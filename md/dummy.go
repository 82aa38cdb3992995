package md

// dummyVoice backs the channel slots with no hardware of their own. The
// extra tracks exist so a song can lend FM3 operator pairs out without
// displacing a playing channel; outside FM3 mode every operation is a
// no-op.
type dummyVoice struct {
	ch  *Channel
	fm3 bool
}

func (d *dummyVoice) setIns() error {
	if !d.fm3 {
		return nil
	}
	blob, err := d.ch.insBlob(InsFM, "fm")
	if err != nil {
		return err
	}
	d.ch.setInsFM3(blob)
	return d.ch.setVolFM3()
}

func (d *dummyVoice) setVol() error {
	if !d.fm3 {
		return nil
	}
	return d.ch.setVolFM3()
}

func (d *dummyVoice) setPan() error {
	return nil
}

func (d *dummyVoice) keyOn() error {
	if d.fm3 {
		d.ch.keyOnFM3(true)
	}
	return nil
}

func (d *dummyVoice) keyOff() error {
	if d.fm3 {
		d.ch.keyOnFM3(false)
	}
	return nil
}

func (d *dummyVoice) setPitch() error {
	if !d.fm3 {
		return nil
	}
	return d.ch.setPitchFM3()
}

func (d *dummyVoice) setType() error {
	d.fm3 = d.ch.PlatformVar(platChannelMode) != 0
	return nil
}

func (d *dummyVoice) updateEnvelope() error {
	return nil
}
