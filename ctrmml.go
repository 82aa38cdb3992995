// Package ctrmml holds the data model of a compiled MML song and the
// interfaces tying the sequencer core, the platform drivers and the output
// writers together. The notation parser fills in a Song; the seq package
// walks its tracks; the md package turns the walk into chip register writes
// delivered to a Sink.
package ctrmml

import "fmt"

// Chip identifies the target of a register write.
type Chip uint8

const (
	ChipFM  Chip = iota // YM2612
	ChipPSG             // SN76489 compatible
)

func (c Chip) String() string {
	switch c {
	case ChipFM:
		return "fm"
	case ChipPSG:
		return "psg"
	}
	return fmt.Sprintf("Chip(%d)", uint8(c))
}

// Sink receives the logical command stream produced by a platform driver:
// register writes interleaved with delays in output samples. Concrete binary
// encodings (VGM and friends) live outside this module and consume this
// stream. Implementations are not required to be safe for concurrent use.
type Sink interface {
	// Write logs a register write at the current stream time. PSG writes
	// carry the value in data with port and reg zero.
	Write(chip Chip, port, reg, data uint8)

	// Delay advances the stream time by n output samples.
	Delay(n int)
}

// RegisterWrite is one recorded sink command.
type RegisterWrite struct {
	Time int // in output samples
	Chip Chip
	Port uint8
	Reg  uint8
	Data uint8
}

// MemorySink records the command stream in memory, mainly for tests and for
// rendering a readable log of what a driver did.
type MemorySink struct {
	Writes []RegisterWrite
	time   int
}

func (s *MemorySink) Write(chip Chip, port, reg, data uint8) {
	s.Writes = append(s.Writes, RegisterWrite{Time: s.time, Chip: chip, Port: port, Reg: reg, Data: data})
}

func (s *MemorySink) Delay(n int) {
	s.time += n
}

// Time returns the current stream time in output samples.
func (s *MemorySink) Time() int {
	return s.time
}
