// Package project reads and writes project archives: the stacks, the cells,
// the lineage and the cell types of one annotation project in a zip file.
package project

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"labelcore/internal/arrays"
	"labelcore/internal/cells"
	"labelcore/internal/labels"
)

// Archive entry names.
const (
	EntryDimensions = "dimensions.json"
	EntryLabeled    = "labeled.dat"
	EntryRaw        = "raw.dat"
	EntryChannels   = "channels.json"
	EntryCells      = "cells.json"
	EntryCellTypes  = "cellTypes.json"
	EntryDivisions  = "divisions.json"
	EntrySpots      = "spots.csv"
)

var (
	// ErrMissingEntry is returned when a required entry is absent.
	ErrMissingEntry = errors.New("project: missing entry")
	// ErrShape is returned when the buffers disagree with dimensions.json.
	ErrShape = errors.New("project: stack does not match dimensions")
)

// Spot is a point annotation.
type Spot struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Project is everything a session loads and exports.
type Project struct {
	Dimensions arrays.Dimensions
	Stacks     arrays.Stacks
	Channels   []string
	Cells      cells.Cells
	CellTypes  []labels.CellType
	Divisions  []labels.Division
	Spots      []Spot
}

// Encode writes p as a project archive.
func Encode(w io.Writer, p *Project) error {
	dims := p.Stacks.Dimensions()
	if err := checkShape(p.Stacks, dims); err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	put := func(name string, data []byte) error {
		f, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}
	putJSON := func(name string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		return put(name, data)
	}

	channels := p.Channels
	if channels == nil {
		channels = []string{}
	}
	cellTypes := p.CellTypes
	if cellTypes == nil {
		cellTypes = []labels.CellType{}
	}
	divisions := p.Divisions
	if divisions == nil {
		divisions = []labels.Division{}
	}

	steps := []func() error{
		func() error { return putJSON(EntryDimensions, dims) },
		func() error { return put(EntryLabeled, encodeLabeledStack(p.Stacks.Labeled)) },
		func() error { return put(EntryRaw, encodeRawStack(p.Stacks.Raw)) },
		func() error { return putJSON(EntryChannels, channels) },
		func() error { return putJSON(EntryCells, p.Cells) },
		func() error { return putJSON(EntryCellTypes, cellTypes) },
		func() error { return putJSON(EntryDivisions, divisions) },
	}
	if len(p.Spots) > 0 {
		steps = append(steps, func() error {
			data, err := encodeSpots(p.Spots)
			if err != nil {
				return err
			}
			return put(EntrySpots, data)
		})
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return zw.Close()
}

// Marshal returns the archive bytes of p.
func Marshal(p *Project) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a project archive. Entries are decoded in parallel.
func Decode(data []byte) (*Project, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open project archive: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}
	for _, name := range []string{EntryDimensions, EntryLabeled, EntryCells} {
		if files[name] == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingEntry, name)
		}
	}

	p := &Project{}
	if err := readJSON(files[EntryDimensions], &p.Dimensions); err != nil {
		return nil, err
	}
	d := p.Dimensions

	var g errgroup.Group
	g.Go(func() error {
		b, err := readAll(files[EntryLabeled])
		if err != nil {
			return err
		}
		p.Stacks.Labeled, err = decodeLabeledStack(b, d)
		return err
	})
	g.Go(func() error {
		f := files[EntryRaw]
		if f == nil {
			p.Stacks.Raw = [][]arrays.Raw{}
			return nil
		}
		b, err := readAll(f)
		if err != nil {
			return err
		}
		p.Stacks.Raw, err = decodeRawStack(b, d)
		return err
	})
	g.Go(func() error { return readJSON(files[EntryCells], &p.Cells) })
	g.Go(func() error { return readOptionalJSON(files[EntryChannels], &p.Channels) })
	g.Go(func() error { return readOptionalJSON(files[EntryCellTypes], &p.CellTypes) })
	g.Go(func() error { return readOptionalJSON(files[EntryDivisions], &p.Divisions) })
	g.Go(func() error {
		f := files[EntrySpots]
		if f == nil {
			return nil
		}
		b, err := readAll(f)
		if err != nil {
			return err
		}
		p.Spots, err = decodeSpots(b)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return p, nil
}

func checkShape(s arrays.Stacks, d arrays.Dimensions) error {
	for c, frames := range s.Labeled {
		if len(frames) != d.NumFrames {
			return fmt.Errorf("%w: feature %d has %d frames", ErrShape, c, len(frames))
		}
		for t, f := range frames {
			if f.Width != d.Width || f.Height != d.Height || len(f.Pix) != d.Width*d.Height {
				return fmt.Errorf("%w: labeled frame (%d, %d)", ErrShape, t, c)
			}
		}
	}
	for c, frames := range s.Raw {
		if len(frames) != d.NumFrames {
			return fmt.Errorf("%w: channel %d has %d frames", ErrShape, c, len(frames))
		}
		for t, f := range frames {
			if f.Width != d.Width || f.Height != d.Height || len(f.Pix) != d.Width*d.Height {
				return fmt.Errorf("%w: raw frame (%d, %d)", ErrShape, t, c)
			}
		}
	}
	return nil
}

// encodeLabeledStack lays frames out feature, then time, then row-major.
func encodeLabeledStack(stack [][]arrays.Labeled) []byte {
	var buf bytes.Buffer
	for _, frames := range stack {
		for _, f := range frames {
			buf.Write(arrays.EncodeLabeled(f))
		}
	}
	return buf.Bytes()
}

func encodeRawStack(stack [][]arrays.Raw) []byte {
	var buf bytes.Buffer
	for _, frames := range stack {
		for _, f := range frames {
			buf.Write(arrays.EncodeRaw(f))
		}
	}
	return buf.Bytes()
}

func decodeLabeledStack(b []byte, d arrays.Dimensions) ([][]arrays.Labeled, error) {
	frame := 4 * d.Width * d.Height
	if len(b) != frame*d.NumFrames*d.NumFeatures {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrShape, EntryLabeled, len(b))
	}
	out := make([][]arrays.Labeled, d.NumFeatures)
	for c := range out {
		out[c] = make([]arrays.Labeled, d.NumFrames)
		for t := range out[c] {
			off := (c*d.NumFrames + t) * frame
			f, err := arrays.DecodeLabeled(b[off:off+frame], d.Width, d.Height)
			if err != nil {
				return nil, err
			}
			out[c][t] = f
		}
	}
	return out, nil
}

func decodeRawStack(b []byte, d arrays.Dimensions) ([][]arrays.Raw, error) {
	frame := 4 * d.Width * d.Height
	if len(b) != frame*d.NumFrames*d.NumChannels {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrShape, EntryRaw, len(b))
	}
	out := make([][]arrays.Raw, d.NumChannels)
	for c := range out {
		out[c] = make([]arrays.Raw, d.NumFrames)
		for t := range out[c] {
			off := (c*d.NumFrames + t) * frame
			f, err := arrays.DecodeRaw(b[off:off+frame], d.Width, d.Height)
			if err != nil {
				return nil, err
			}
			out[c][t] = f
		}
	}
	return out, nil
}

func encodeSpots(spots []Spot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"x", "y"}); err != nil {
		return nil, err
	}
	for _, s := range spots {
		rec := []string{
			strconv.FormatFloat(s.X, 'f', -1, 64),
			strconv.FormatFloat(s.Y, 'f', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func decodeSpots(b []byte) ([]Spot, error) {
	recs, err := csv.NewReader(bytes.NewReader(b)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", EntrySpots, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	if len(recs[0]) < 2 || recs[0][0] != "x" || recs[0][1] != "y" {
		return nil, fmt.Errorf("%s: header must be x,y", EntrySpots)
	}
	spots := make([]Spot, 0, len(recs)-1)
	for i, rec := range recs[1:] {
		x, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", EntrySpots, i+2, err)
		}
		y, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", EntrySpots, i+2, err)
		}
		spots = append(spots, Spot{X: x, Y: y})
	}
	return spots, nil
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return b, nil
}

func readJSON(f *zip.File, v any) error {
	b, err := readAll(f)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Name, err)
	}
	return nil
}

func readOptionalJSON(f *zip.File, v any) error {
	if f == nil {
		return nil
	}
	return readJSON(f, v)
}
