// Package md compiles songs for the Mega Drive sound hardware: a YM2612 FM
// synth and an SN76489 PSG behind a shared register sink. The data bank
// packs instrument and envelope definitions into the binary blobs the
// driver consumes, and the driver renders a song into a time-stamped
// register write stream.
package md

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Team-Digital-Fairy/ctrmml"
)

// InstrumentType identifies which hardware an instrument drives.
type InstrumentType int

const (
	InsUndefined InstrumentType = iota
	InsPSG
	InsFM
	InsPCM
)

const dataCountMax = 256

// Data is the compiled data bank for one song: deduplicated binary blobs
// plus the maps from song numbering to bank indices. The bank is what the
// asm export writes out and what the driver reads at runtime.
type Data struct {
	// Bank holds all instrument and envelope blobs, content deduplicated.
	Bank [][]byte
	// WaveROM packs the PCM samples.
	WaveROM *WaveROM
	// EnvelopeMap maps song instrument ids to Bank indices.
	EnvelopeMap map[uint16]int
	// WaveMap maps PCM instrument ids to WaveROM header indices.
	WaveMap map[uint16]int
	// InsTranspose maps 2op instrument ids to their baked transpose.
	InsTranspose map[uint16]int8
	// PitchMap maps song pitch envelope ids to Bank indices.
	PitchMap map[uint16]int
	// InsType records the hardware type of each defined instrument.
	InsType map[uint16]InstrumentType

	index map[string]int
}

// ReadSong compiles the instrument, envelope and sample definitions of a
// song into a data bank.
func ReadSong(song *ctrmml.Song) (*Data, error) {
	d := &Data{
		WaveROM:      NewWaveROM(DefaultWaveROMSize),
		EnvelopeMap:  make(map[uint16]int),
		WaveMap:      make(map[uint16]int),
		InsTranspose: make(map[uint16]int8),
		PitchMap:     make(map[uint16]int),
		InsType:      make(map[uint16]InstrumentType),
		index:        make(map[string]int),
	}
	for _, id := range sortedTagIDs(song.Instruments) {
		tag := song.Instruments[id]
		var err error
		switch tag[0] {
		case "fm":
			err = d.readFM4Op(id, tag[1:])
		case "2op":
			err = d.readFM2Op(id, song, tag[1:])
		case "psg":
			err = d.readPSG(id, tag[1:])
		case "pcm":
			err = d.readWave(id, song, tag[1:])
		default:
			err = fmt.Errorf("unknown type %q", tag[0])
		}
		if err != nil {
			return nil, fmt.Errorf("instrument %d: %w", id, err)
		}
	}
	for _, id := range sortedTagIDs(song.PitchEnvelopes) {
		if err := d.readPitch(id, song.PitchEnvelopes[id]); err != nil {
			return nil, fmt.Errorf("pitch envelope %d: %w", id, err)
		}
	}
	return d, nil
}

// addUniqueData stores a blob and returns its bank index, reusing the index
// of a byte-identical blob already present.
func (d *Data) addUniqueData(blob []byte) (int, error) {
	if id, ok := d.index[string(blob)]; ok {
		return id, nil
	}
	if len(d.Bank) >= dataCountMax {
		return 0, fmt.Errorf("maximum number of data bank entries reached")
	}
	id := len(d.Bank)
	d.Bank = append(d.Bank, blob)
	d.index[string(blob)] = id
	return id, nil
}

// opSlot maps operator numbers 1..4 to their YM2612 register slot. The
// register file interleaves operators as 1,3,2,4.
var opSlot = [4]int{0, 2, 1, 3}

// fmOpParams is the column count of one operator row in an fm definition:
// AR DR SR RR SL TL KS ML DT SSG.
const fmOpParams = 10

// readFM4Op parses a 4 operator FM definition: ALG and FB followed by four
// operator rows. The blob is 28 register-ordered operator bytes (DT/ML, TL,
// KS/AR, DR, SR, SL/RR, SSG-EG) followed by the FB/ALG byte.
func (d *Data) readFM4Op(id uint16, tag ctrmml.Tag) error {
	vals, err := parseNumbers(tag)
	if err != nil {
		return err
	}
	if len(vals) != 2+4*fmOpParams {
		return fmt.Errorf("expected %d parameters, got %d", 2+4*fmOpParams, len(vals))
	}
	blob, err := buildFMBlob(vals)
	if err != nil {
		return err
	}
	bankID, err := d.addUniqueData(blob)
	if err != nil {
		return err
	}
	d.EnvelopeMap[id] = bankID
	d.InsType[id] = InsFM
	return nil
}

func buildFMBlob(vals []int) ([]byte, error) {
	alg, fb := vals[0], vals[1]
	if alg < 0 || alg > 7 || fb < 0 || fb > 7 {
		return nil, fmt.Errorf("algorithm and feedback must be 0..7")
	}
	blob := make([]byte, 29)
	for op := 0; op < 4; op++ {
		row := vals[2+op*fmOpParams : 2+(op+1)*fmOpParams]
		ar, dr, sr, rr, sl, tl, ks, ml, dt, ssg := row[0], row[1], row[2], row[3], row[4], row[5], row[6], row[7], row[8], row[9]
		if dt < 0 {
			// Negative detune occupies the 4..7 range on hardware.
			dt = 4 - dt
		}
		s := opSlot[op]
		blob[s] = uint8(dt&7)<<4 | uint8(ml&15)
		blob[4+s] = uint8(tl & 127)
		blob[8+s] = uint8(ks&3)<<6 | uint8(ar&31)
		blob[12+s] = uint8(dr & 31)
		blob[16+s] = uint8(sr & 31)
		blob[20+s] = uint8(sl&15)<<4 | uint8(rr&15)
		blob[24+s] = uint8(ssg & 15)
	}
	blob[28] = uint8(fb&7)<<3 | uint8(alg&7)
	return blob, nil
}

// readFM2Op parses a 2 operator chord definition: a source fm instrument id
// and the two source operators forming the modulator/carrier pair, with an
// optional explicit transpose. The blob duplicates the pair into both
// halves of algorithm 4 so the voice works from either half of channel 3.
func (d *Data) readFM2Op(id uint16, song *ctrmml.Song, tag ctrmml.Tag) error {
	vals, err := parseNumbers(tag)
	if err != nil {
		return err
	}
	if len(vals) != 3 && len(vals) != 4 {
		return fmt.Errorf("expected source instrument, modulator and carrier")
	}
	src, modOp, carOp := vals[0], vals[1], vals[2]
	srcTag, ok := song.Instruments[uint16(src)]
	if !ok || len(srcTag) == 0 || srcTag[0] != "fm" {
		return fmt.Errorf("source instrument %d is not an fm instrument", src)
	}
	if modOp < 1 || modOp > 4 || carOp < 1 || carOp > 4 {
		return fmt.Errorf("operators must be 1..4")
	}
	srcVals, err := parseNumbers(srcTag[1:])
	if err != nil || len(srcVals) != 2+4*fmOpParams {
		return fmt.Errorf("source instrument %d is malformed", src)
	}
	srcBlob, err := buildFMBlob(srcVals)
	if err != nil {
		return err
	}
	blob := make([]byte, 29)
	// Algorithm 4 runs two independent op1>op2 and op3>op4 chains.
	for param := 0; param < 7; param++ {
		mod := srcBlob[param*4+opSlot[modOp-1]]
		car := srcBlob[param*4+opSlot[carOp-1]]
		blob[param*4+opSlot[0]] = mod
		blob[param*4+opSlot[2]] = mod
		blob[param*4+opSlot[1]] = car
		blob[param*4+opSlot[3]] = car
	}
	blob[28] = srcBlob[28]&0x38 | 4
	bankID, err := d.addUniqueData(blob)
	if err != nil {
		return err
	}
	transpose := 0
	if len(vals) == 4 {
		transpose = vals[3]
	} else {
		// Bake the interval implied by the carrier's frequency multiple,
		// so written pitch matches sounding pitch.
		ml := srcVals[2+(carOp-1)*fmOpParams+7]
		if ml == 0 {
			transpose = 12
		} else {
			transpose = -int(math.Round(12 * math.Log2(float64(ml))))
		}
	}
	d.EnvelopeMap[id] = bankID
	d.InsTranspose[id] = int8(transpose)
	d.InsType[id] = InsFM
	return nil
}

// readPSG parses a PSG volume envelope. Elements are volume values 0..15
// with an optional `:length` hold, `value>value` expands a slide one frame
// per step, `|` marks the sustain loop point and `/` starts the release
// section played after key off.
//
// Blob layout: [keyoff offset, loop offset, (volume, frames) nodes..., 0xFF]
// with offsets counted from the start of the blob.
func (d *Data) readPSG(id uint16, tag ctrmml.Tag) error {
	blob := []byte{0, 0}
	loopOffset, keyoffOffset := -1, -1
	addNode := func(vol, frames int) error {
		if vol < 0 || vol > 15 {
			return fmt.Errorf("volume %d out of range 0..15", vol)
		}
		if frames < 1 || frames > 255 {
			return fmt.Errorf("length %d out of range 1..255", frames)
		}
		blob = append(blob, uint8(vol), uint8(frames))
		return nil
	}
	for _, s := range tag {
		switch s {
		case "|":
			loopOffset = len(blob)
		case "/":
			keyoffOffset = len(blob)
		default:
			first, last, frames, err := parseSlide(s)
			if err != nil {
				return err
			}
			step := 1
			if last < first {
				step = -1
			}
			for v := first; ; v += step {
				if err := addNode(v, frames); err != nil {
					return err
				}
				if v == last {
					break
				}
			}
		}
	}
	if keyoffOffset < 0 {
		keyoffOffset = len(blob)
	}
	if keyoffOffset < 4 {
		return fmt.Errorf("envelope contains no nodes")
	}
	if loopOffset < 0 {
		// Sustain holds the last node before the release section.
		loopOffset = keyoffOffset - 2
	}
	blob = append(blob, 0xFF)
	blob[0] = uint8(keyoffOffset)
	blob[1] = uint8(loopOffset)
	bankID, err := d.addUniqueData(blob)
	if err != nil {
		return err
	}
	d.EnvelopeMap[id] = bankID
	d.InsType[id] = InsPSG
	return nil
}

// readPitch parses a pitch envelope. Elements are semitone offsets (may be
// fractional), `a>b:frames` slides, the `vib depth rate` triangle macro and
// `|` as the loop point.
//
// Blob layout: [loop node index, node count, nodes...] where a node is a
// big-endian int16 base in 1/256 semitones, an int8 per-frame delta and a
// frame count.
func (d *Data) readPitch(id uint16, tag ctrmml.Tag) error {
	var nodes []byte
	count := 0
	loopIndex := -1
	addNode := func(base int, delta int, frames int) error {
		if base < -0x8000 || base > 0x7FFF {
			return fmt.Errorf("value %d out of range", base)
		}
		if delta < -128 || delta > 127 {
			return fmt.Errorf("slide too steep")
		}
		if frames < 0 || frames > 255 {
			return fmt.Errorf("length %d out of range 0..255", frames)
		}
		nodes = binary.BigEndian.AppendUint16(nodes, uint16(base))
		nodes = append(nodes, uint8(int8(delta)), uint8(frames))
		count++
		return nil
	}
	for i := 0; i < len(tag); i++ {
		s := tag[i]
		switch {
		case s == "|":
			loopIndex = count
		case s == "vib":
			if i+2 >= len(tag) {
				return fmt.Errorf("vib needs a depth and a rate")
			}
			depth, err1 := strconv.ParseFloat(tag[i+1], 64)
			rate, err2 := strconv.Atoi(tag[i+2])
			if err1 != nil || err2 != nil || rate < 1 {
				return fmt.Errorf("vib needs a depth and a rate")
			}
			i += 2
			if err := addVibrato(addNode, &loopIndex, count, depth, rate); err != nil {
				return err
			}
		default:
			if err := addPitchNode(addNode, s); err != nil {
				return err
			}
		}
	}
	if count == 0 {
		return fmt.Errorf("envelope contains no nodes")
	}
	if count > 255 {
		return fmt.Errorf("envelope too long")
	}
	if loopIndex < 0 {
		loopIndex = count - 1
	}
	blob := append([]byte{uint8(loopIndex), uint8(count)}, nodes...)
	bankID, err := d.addUniqueData(blob)
	if err != nil {
		return err
	}
	d.PitchMap[id] = bankID
	return nil
}

func addPitchNode(addNode func(int, int, int) error, s string) error {
	first, rest, hasSlide := strings.Cut(s, ">")
	base, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return fmt.Errorf("bad pitch value %q", s)
	}
	if !hasSlide {
		return addNode(int(math.Round(base*256)), 0, 0)
	}
	target, lenStr, hasLen := strings.Cut(rest, ":")
	frames := 16
	if hasLen {
		if frames, err = strconv.Atoi(lenStr); err != nil || frames < 1 {
			return fmt.Errorf("bad slide length in %q", s)
		}
	}
	end, err := strconv.ParseFloat(target, 64)
	if err != nil {
		return fmt.Errorf("bad pitch value %q", s)
	}
	b := int(math.Round(base * 256))
	delta := int(math.Round((end - base) * 256 / float64(frames)))
	return addNode(b, delta, frames)
}

// addVibrato expands `vib depth rate` into a four node triangle: up from
// zero, down through zero, back up, looping over the whole figure. Depth is
// in semitones, rate in frames per quarter period.
func addVibrato(addNode func(int, int, int) error, loopIndex *int, count int, depth float64, rate int) error {
	d := int(math.Round(depth * 256))
	step := d / rate
	if step == 0 && d != 0 {
		step = 1
	}
	if *loopIndex < 0 {
		*loopIndex = count
	}
	if err := addNode(0, step, rate); err != nil {
		return err
	}
	if err := addNode(d, -step, rate); err != nil {
		return err
	}
	if err := addNode(0, -step, rate); err != nil {
		return err
	}
	return addNode(-d, step, rate)
}

// readWave registers a PCM instrument: a sample id defined in the song,
// with an optional playback rate override.
func (d *Data) readWave(id uint16, song *ctrmml.Song, tag ctrmml.Tag) error {
	vals, err := parseNumbers(tag)
	if err != nil {
		return err
	}
	if len(vals) != 1 && len(vals) != 2 {
		return fmt.Errorf("expected a sample id")
	}
	sample, ok := song.Samples[uint16(vals[0])]
	if !ok {
		return fmt.Errorf("sample %d is not defined", vals[0])
	}
	rate := sample.Rate
	if len(vals) == 2 {
		rate = uint32(vals[1])
	}
	headerID, err := d.WaveROM.Add(sample, rate)
	if err != nil {
		return err
	}
	d.WaveMap[id] = headerID
	d.InsType[id] = InsPCM
	return nil
}

func parseNumbers(tag ctrmml.Tag) ([]int, error) {
	vals := make([]int, 0, len(tag))
	for _, s := range tag {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("bad parameter %q", s)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// parseSlide splits "a", "a:len" or "a>b:len" into its endpoints and per
// node frame count.
func parseSlide(s string) (first, last, frames int, err error) {
	body, lenStr, hasLen := strings.Cut(s, ":")
	frames = 1
	if hasLen {
		if frames, err = strconv.Atoi(lenStr); err != nil {
			return 0, 0, 0, fmt.Errorf("bad length in %q", s)
		}
	}
	from, to, hasSlide := strings.Cut(body, ">")
	if first, err = strconv.Atoi(from); err != nil {
		return 0, 0, 0, fmt.Errorf("bad value %q", s)
	}
	last = first
	if hasSlide {
		if last, err = strconv.Atoi(to); err != nil {
			return 0, 0, 0, fmt.Errorf("bad value %q", s)
		}
	}
	return first, last, frames, nil
}

func sortedTagIDs(m map[uint16]ctrmml.Tag) []uint16 {
	ids := make([]uint16, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
