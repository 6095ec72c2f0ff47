package segment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"

	"labelcore/internal/arrays"
	"labelcore/internal/cells"
)

// Entry names inside a transfer package.
const (
	entryEdit    = "edit.json"
	entryCells   = "cells.json"
	entryLabeled = "labeled.dat"
	entryRaw     = "raw.dat"
)

// ErrMalformedResponse is returned when the service answers with an
// archive that cannot be decoded.
var ErrMalformedResponse = errors.New("segment: malformed response")

// EditRequest is edit.json.
type EditRequest struct {
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args"`
	WriteMode string         `json:"writeMode"`
}

// Package is the content of one transfer request.
type Package struct {
	Edit    EditRequest
	Cells   []cells.LabelPoint
	Labeled arrays.Labeled
	Raw     *arrays.Raw
}

// Encode writes p as a zip archive.
func (p Package) Encode() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	editJSON, err := json.Marshal(p.Edit)
	if err != nil {
		return nil, fmt.Errorf("marshal edit: %w", err)
	}
	pts := p.Cells
	if pts == nil {
		pts = []cells.LabelPoint{}
	}
	cellsJSON, err := json.Marshal(pts)
	if err != nil {
		return nil, fmt.Errorf("marshal cells: %w", err)
	}

	entries := []struct {
		name string
		data []byte
	}{
		{entryEdit, editJSON},
		{entryCells, cellsJSON},
		{entryLabeled, arrays.EncodeLabeled(p.Labeled)},
	}
	if p.Raw != nil {
		entries = append(entries, struct {
			name string
			data []byte
		}{entryRaw, arrays.EncodeRaw(*p.Raw)})
	}

	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close transfer package: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePackage reads a request archive. The service side of the
// protocol; used by tests and the fake service.
func DecodePackage(data []byte) (Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Package{}, fmt.Errorf("open transfer package: %w", err)
	}
	files := map[string][]byte{}
	for _, f := range zr.File {
		b, err := readEntry(f)
		if err != nil {
			return Package{}, err
		}
		files[f.Name] = b
	}

	var p Package
	if err := json.Unmarshal(files[entryEdit], &p.Edit); err != nil {
		return Package{}, fmt.Errorf("decode %s: %w", entryEdit, err)
	}
	if err := json.Unmarshal(files[entryCells], &p.Cells); err != nil {
		return Package{}, fmt.Errorf("decode %s: %w", entryCells, err)
	}
	if p.Labeled, err = arrays.DecodeLabeled(files[entryLabeled], p.Edit.Width, p.Edit.Height); err != nil {
		return Package{}, err
	}
	if raw, ok := files[entryRaw]; ok {
		r, err := arrays.DecodeRaw(raw, p.Edit.Width, p.Edit.Height)
		if err != nil {
			return Package{}, err
		}
		p.Raw = &r
	}
	return p, nil
}

// EncodeResponse builds a response archive: the label buffer first, then
// cells.json.
func EncodeResponse(labeled arrays.Labeled, pts []cells.LabelPoint) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("segmentation")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(arrays.EncodeLabeled(labeled)); err != nil {
		return nil, err
	}
	if pts == nil {
		pts = []cells.LabelPoint{}
	}
	cellsJSON, err := json.Marshal(pts)
	if err != nil {
		return nil, err
	}
	if w, err = zw.Create(entryCells); err != nil {
		return nil, err
	}
	if _, err := w.Write(cellsJSON); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeResponse reads the service answer for a width x height frame. The
// returned cells are pinned to slice (t, c).
func DecodeResponse(data []byte, width, height, t, c int) (arrays.EditResult, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return arrays.EditResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(zr.File) < 2 {
		return arrays.EditResult{}, fmt.Errorf("%w: %d entries", ErrMalformedResponse, len(zr.File))
	}

	labelBuf, err := readEntry(zr.File[0])
	if err != nil {
		return arrays.EditResult{}, err
	}
	labeled, err := arrays.DecodeLabeled(labelBuf, width, height)
	if err != nil {
		return arrays.EditResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	cellsBuf, err := readEntry(zr.File[1])
	if err != nil {
		return arrays.EditResult{}, err
	}
	var pts []cells.LabelPoint
	if err := json.Unmarshal(cellsBuf, &pts); err != nil {
		return arrays.EditResult{}, fmt.Errorf("%w: cells: %v", ErrMalformedResponse, err)
	}
	for i := range pts {
		pts[i].T, pts[i].C = t, c
	}
	return arrays.EditResult{Labeled: labeled, Cells: pts, T: t, C: c}, nil
}

func readEntry(f *zip.File) ([]byte, error) {
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
