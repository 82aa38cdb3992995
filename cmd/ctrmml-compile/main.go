package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"

	"github.com/Team-Digital-Fairy/ctrmml"
	"github.com/Team-Digital-Fairy/ctrmml/md"
	"github.com/Team-Digital-Fairy/ctrmml/seq"
	"github.com/Team-Digital-Fairy/ctrmml/version"
)

func main() {
	outPath := pflag.StringP("output", "o", "", "File or directory where to write output. By default everything goes to standard output.")
	format := pflag.StringP("format", "f", "check", "Output format. Possible values: check, log, asm.")
	rate := pflag.IntP("rate", "r", 44100, "Output sample rate in Hz.")
	pal := pflag.Bool("pal", false, "Use the PAL FM clock instead of NTSC.")
	loops := pflag.IntP("loops", "l", 2, "Stop rendering after this many loops through the song.")
	dump := pflag.BoolP("dump", "d", false, "Dump the parsed song structure to standard output.")
	tmplDir := pflag.StringP("templates", "t", "", "When exporting asm, use the templates in this directory instead of the built in ones.")
	versionFlag := pflag.BoolP("version", "v", false, "Print version.")
	help := pflag.BoolP("help", "h", false, "Show help.")
	pflag.Usage = printUsage
	pflag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if pflag.NArg() == 0 || *help {
		pflag.Usage()
		os.Exit(0)
	}
	output := func(filename string, extension string, contents []byte) error {
		if *outPath == "" {
			fmt.Print(string(contents))
			return nil
		}
		f := *outPath
		if info, err := os.Stat(f); err == nil && info.IsDir() {
			_, name := filepath.Split(filename)
			f = filepath.Join(f, strings.TrimSuffix(name, filepath.Ext(name))+extension)
		}
		if original, err := os.ReadFile(f); err == nil && bytes.Equal(original, contents) {
			return nil // no need to update
		}
		if dir, _ := filepath.Split(f); dir != "" {
			if err := os.MkdirAll(dir, os.ModePerm); err != nil {
				return fmt.Errorf("could not create output directory %v: %v", dir, err)
			}
		}
		if err := os.WriteFile(f, contents, 0644); err != nil {
			return fmt.Errorf("could not write file %v: %v", f, err)
		}
		return nil
	}
	process := func(filename string) error {
		song, err := ctrmml.LoadSong(filename)
		if err != nil {
			return err
		}
		if *dump {
			spew.Dump(song)
		}
		sv, err := seq.ValidateSong(song)
		if err != nil {
			return err
		}
		for _, id := range song.TrackIDs() {
			tv := sv.Tracks[id]
			if tv.LoopLength() > 0 {
				fmt.Printf("track %d: %d ticks, loop %d ticks\n", id, tv.Length(), tv.LoopLength())
			} else {
				fmt.Printf("track %d: %d ticks\n", id, tv.Length())
			}
		}
		switch *format {
		case "check":
			data, err := md.ReadSong(song)
			if err != nil {
				return err
			}
			if *dump {
				spew.Dump(data)
			}
			return nil
		case "log":
			sink := &ctrmml.MemorySink{}
			drv := md.NewDriver(*rate, sink, *pal)
			if err := drv.PlaySong(song); err != nil {
				return err
			}
			for drv.IsPlaying() && drv.LoopCount() < *loops {
				if _, err := drv.PlayStep(); err != nil {
					return err
				}
			}
			return output(filename, ".log", []byte(renderLog(sink)))
		case "asm":
			data, err := md.ReadSong(song)
			if err != nil {
				return err
			}
			if *dump {
				spew.Dump(data)
			}
			var exp *md.Exporter
			if *tmplDir != "" {
				exp, err = md.NewExporterFromTemplates(*tmplDir)
			} else {
				exp, err = md.NewExporter()
			}
			if err != nil {
				return err
			}
			inc, err := exp.DataBank(song, data)
			if err != nil {
				return err
			}
			return output(filename, ".inc", []byte(inc))
		}
		return fmt.Errorf("unknown format %q", *format)
	}
	retval := 0
	for _, param := range pflag.Args() {
		if info, err := os.Stat(param); err == nil && info.IsDir() {
			files, err := filepath.Glob(filepath.Join(param, "*.yml"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "could not glob the path %v for yml files: %v\n", param, err)
				retval = 1
				continue
			}
			yamlFiles, err := filepath.Glob(filepath.Join(param, "*.yaml"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "could not glob the path %v for yaml files: %v\n", param, err)
				retval = 1
				continue
			}
			for _, file := range append(files, yamlFiles...) {
				if err := process(file); err != nil {
					fmt.Fprintf(os.Stderr, "could not process file %v: %v\n", file, err)
					retval = 1
				}
			}
		} else {
			if err := process(param); err != nil {
				fmt.Fprintf(os.Stderr, "could not process file %v: %v\n", param, err)
				retval = 1
			}
		}
	}
	os.Exit(retval)
}

// renderLog formats the recorded write stream one register write per line,
// prefixed with the stream time in output samples.
func renderLog(sink *ctrmml.MemorySink) string {
	var b strings.Builder
	for _, w := range sink.Writes {
		if w.Chip == ctrmml.ChipPSG {
			fmt.Fprintf(&b, "%8d psg    %02X\n", w.Time, w.Data)
		} else {
			fmt.Fprintf(&b, "%8d fm  %d %02X=%02X\n", w.Time, w.Port, w.Reg, w.Data)
		}
	}
	return b.String()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "MML song compiler for the Mega Drive sound hardware. Inputs .yml songs; checks them, renders register write logs or exports the data bank as an asm include.\nUsage: %s [flags] [path ...]\n", os.Args[0])
	pflag.PrintDefaults()
}
