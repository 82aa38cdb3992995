package ctrmml

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultPPQN is the sequencer resolution assumed when a song does not set
// one: 24 ticks per quarter note, the customary MML whole note of 96.
const DefaultPPQN = 24

type (
	// Song is the parsed form of one piece of music: a set of tracks keyed by
	// id, plus the tag definitions the platform driver compiles into its data
	// bank. The notation parser produces it; nothing in this package modifies
	// it afterwards, so one Song can back any number of players at once.
	Song struct {
		Title    string `yaml:",omitempty"`
		Composer string `yaml:",omitempty"`

		// PPQN is the number of sequencer ticks per quarter note. Zero means
		// DefaultPPQN.
		PPQN uint16 `yaml:",omitempty"`

		// Tracks maps track ids to event streams. Ids are unique by
		// construction of the map. Which ids are playable channels and which
		// are subroutines is decided by the platform driver.
		Tracks map[uint16]*Track `yaml:",omitempty"`

		// PlatformCommands holds the tags referenced by platform events.
		PlatformCommands map[uint16]Tag `yaml:"platform_commands,omitempty"`

		// Instruments holds instrument definitions; the first word of each
		// tag selects the kind (fm, 2op, psg, pcm).
		Instruments map[uint16]Tag `yaml:",omitempty"`

		// PitchEnvelopes holds pitch envelope definitions referenced by the
		// pitch_envelope channel command.
		PitchEnvelopes map[uint16]Tag `yaml:"pitch_envelopes,omitempty"`

		// Samples holds externally ingested PCM payloads referenced by pcm
		// instruments.
		Samples map[uint16]*Sample `yaml:",omitempty"`
	}

	// Tag is a tokenized key/value definition, the raw material the platform
	// data bank compiles from. The parser has already split it into words.
	Tag []string

	// Sample is an externally supplied PCM payload. Data is unsigned 8-bit;
	// ingestion from wav or other containers happens outside this module.
	Sample struct {
		Rate     uint32 `yaml:",omitempty"`
		Channels int    `yaml:",omitempty"`
		Data     []byte `yaml:",omitempty"`
	}
)

// MarshalYAML renders a tag in flow style, so definitions stay on one line
// in saved songs. Every word is tagged as a string to survive a round trip.
func (t Tag) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, s := range t {
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s})
	}
	return node, nil
}

// Track returns the track with the given id.
func (s *Song) Track(id uint16) (*Track, bool) {
	t, ok := s.Tracks[id]
	return t, ok
}

// PlatformCommand returns the tag referenced by a platform event parameter.
func (s *Song) PlatformCommand(id uint16) (Tag, bool) {
	t, ok := s.PlatformCommands[id]
	return t, ok
}

// TrackIDs returns all track ids in ascending order.
func (s *Song) TrackIDs() []uint16 {
	ids := make([]uint16, 0, len(s.Tracks))
	for id := range s.Tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TicksPerQuarter returns the effective sequencer resolution.
func (s *Song) TicksPerQuarter() uint16 {
	if s.PPQN == 0 {
		return DefaultPPQN
	}
	return s.PPQN
}

// Copy makes a deep copy of the song.
func (s *Song) Copy() Song {
	c := *s
	c.Tracks = make(map[uint16]*Track, len(s.Tracks))
	for id, t := range s.Tracks {
		tc := t.Copy()
		c.Tracks[id] = &tc
	}
	c.PlatformCommands = copyTagMap(s.PlatformCommands)
	c.Instruments = copyTagMap(s.Instruments)
	c.PitchEnvelopes = copyTagMap(s.PitchEnvelopes)
	if s.Samples != nil {
		c.Samples = make(map[uint16]*Sample, len(s.Samples))
		for id, smp := range s.Samples {
			sc := *smp
			sc.Data = append([]byte(nil), smp.Data...)
			c.Samples[id] = &sc
		}
	}
	return c
}

func copyTagMap(m map[uint16]Tag) map[uint16]Tag {
	if m == nil {
		return nil
	}
	c := make(map[uint16]Tag, len(m))
	for id, tag := range m {
		c[id] = append(Tag(nil), tag...)
	}
	return c
}

// Validate checks song-level structure the parser guarantees but a
// hand-written file might not: at least one track, and no empty tags.
func (s *Song) Validate() error {
	if len(s.Tracks) == 0 {
		return errors.New("song contains no tracks")
	}
	for id, tag := range s.Instruments {
		if len(tag) == 0 {
			return fmt.Errorf("instrument @%d is empty", id)
		}
	}
	for id, tag := range s.PitchEnvelopes {
		if len(tag) == 0 {
			return fmt.Errorf("pitch envelope @M%d is empty", id)
		}
	}
	return nil
}

// ParseSong decodes a song from its yaml form and validates it.
func ParseSong(data []byte) (*Song, error) {
	var song Song
	if err := yaml.Unmarshal(data, &song); err != nil {
		return nil, fmt.Errorf("parsing song: %w", err)
	}
	if err := song.Validate(); err != nil {
		return nil, err
	}
	return &song, nil
}

// LoadSong reads and parses a song file.
func LoadSong(path string) (*Song, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read file %v: %v", path, err)
	}
	return ParseSong(data)
}
