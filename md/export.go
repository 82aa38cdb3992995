package md

import (
	"bytes"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/Team-Digital-Fairy/ctrmml"
)

//go:embed templates/*.inc
var templateFS embed.FS

// Exporter renders a compiled data bank through the asm templates into the
// include file a hand written sound driver assembles against.
type Exporter struct {
	Template *template.Template
}

// NewExporter returns an exporter using the built in templates.
func NewExporter() (*Exporter, error) {
	tmpl, err := template.New("base").Funcs(sprig.TxtFuncMap()).ParseFS(templateFS, "templates/*.inc")
	if err != nil {
		return nil, fmt.Errorf("could not create templates: %v", err)
	}
	return &Exporter{Template: tmpl}, nil
}

// NewExporterFromTemplates returns an exporter using the templates in the
// given directory instead of the built in ones.
func NewExporterFromTemplates(templateDirectory string) (*Exporter, error) {
	globPtrn := filepath.Join(templateDirectory, "*.*")
	tmpl, err := template.New("base").Funcs(sprig.TxtFuncMap()).ParseGlob(globPtrn)
	if err != nil {
		return nil, fmt.Errorf("could not create template based on directory %q: %v", templateDirectory, err)
	}
	return &Exporter{Template: tmpl}, nil
}

// DataBank renders the data bank include for a song.
func (e *Exporter) DataBank(song *ctrmml.Song, data *Data) (string, error) {
	result := bytes.NewBufferString("")
	if err := e.Template.ExecuteTemplate(result, "data.inc", NewDataMacros(song, data)); err != nil {
		return "", fmt.Errorf("could not execute template %q: %v", "data.inc", err)
	}
	return result.String(), nil
}

// DataMacros is the template view of a compiled data bank.
type DataMacros struct {
	Song *ctrmml.Song
	Data *Data
}

// InsMacro is one line of the instrument directory: the song id and the bank
// entry or wave slot it compiled to.
type InsMacro struct {
	ID        uint16
	Kind      string
	Target    string
	Transpose int8
}

// PitchMacro is one line of the pitch envelope directory.
type PitchMacro struct {
	ID     uint16
	Target string
}

func NewDataMacros(song *ctrmml.Song, data *Data) *DataMacros {
	return &DataMacros{Song: song, Data: data}
}

// BlobLabel names a bank entry in the generated source.
func (m *DataMacros) BlobLabel(id int) string {
	return fmt.Sprintf("sd_%d", id)
}

// BankSize returns the total byte size of the bank entries.
func (m *DataMacros) BankSize() int {
	size := 0
	for _, blob := range m.Data.Bank {
		size += len(blob)
	}
	return size
}

// Instruments lists the song instruments in id order.
func (m *DataMacros) Instruments() []InsMacro {
	ids := make([]uint16, 0, len(m.Data.InsType))
	for id := range m.Data.InsType {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	entries := make([]InsMacro, 0, len(ids))
	for _, id := range ids {
		e := InsMacro{ID: id}
		switch m.Data.InsType[id] {
		case InsFM:
			e.Kind = "fm"
			e.Target = m.BlobLabel(m.Data.EnvelopeMap[id])
			if transpose, ok := m.Data.InsTranspose[id]; ok {
				e.Kind = "2op"
				e.Transpose = transpose
			}
		case InsPSG:
			e.Kind = "psg"
			e.Target = m.BlobLabel(m.Data.EnvelopeMap[id])
		case InsPCM:
			e.Kind = "pcm"
			e.Target = fmt.Sprintf("wave %d", m.Data.WaveMap[id])
		}
		entries = append(entries, e)
	}
	return entries
}

// PitchEnvelopes lists the song pitch envelopes in id order.
func (m *DataMacros) PitchEnvelopes() []PitchMacro {
	ids := make([]uint16, 0, len(m.Data.PitchMap))
	for id := range m.Data.PitchMap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	entries := make([]PitchMacro, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, PitchMacro{ID: id, Target: m.BlobLabel(m.Data.PitchMap[id])})
	}
	return entries
}

// WaveHeaders returns the wave ROM sample directory.
func (m *DataMacros) WaveHeaders() []WaveHeader {
	return m.Data.WaveROM.Headers()
}

// WaveData formats the packed wave ROM bytes.
func (m *DataMacros) WaveData() string {
	return m.ByteRows(m.Data.WaveROM.Data())
}

// ByteRows formats a blob as dc.b rows of at most 16 bytes.
func (m *DataMacros) ByteRows(blob []byte) string {
	var b strings.Builder
	for i := 0; i < len(blob); i += 16 {
		end := i + 16
		if end > len(blob) {
			end = len(blob)
		}
		b.WriteString("\tdc.b\t")
		for j, v := range blob[i:end] {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%02X", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
