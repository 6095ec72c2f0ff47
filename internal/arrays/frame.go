// Package arrays owns the raw and labeled image stacks and applies the
// frames returned by segmentation edits.
package arrays

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrFrameSize is returned when a buffer does not match the frame shape.
var ErrFrameSize = errors.New("arrays: buffer does not match frame size")

// Labeled is one segmentation frame, row-major.
type Labeled struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Pix    []int32 `json:"pix"`
}

// NewLabeled returns a zero frame.
func NewLabeled(width, height int) Labeled {
	return Labeled{Width: width, Height: height, Pix: make([]int32, width*height)}
}

// At returns the label at (x, y).
func (f Labeled) At(x, y int) int32 {
	return f.Pix[y*f.Width+x]
}

// Clone returns a deep copy.
func (f Labeled) Clone() Labeled {
	f.Pix = slices.Clone(f.Pix)
	return f
}

// Equal reports whether both frames hold the same labels.
func (f Labeled) Equal(o Labeled) bool {
	return f.Width == o.Width && f.Height == o.Height && slices.Equal(f.Pix, o.Pix)
}

// Raw is one intensity frame, row-major.
type Raw struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Pix    []float32 `json:"pix"`
}

// NewRaw returns a zero frame.
func NewRaw(width, height int) Raw {
	return Raw{Width: width, Height: height, Pix: make([]float32, width*height)}
}

// Clone returns a deep copy.
func (f Raw) Clone() Raw {
	f.Pix = slices.Clone(f.Pix)
	return f
}

// EncodeLabeled writes f as little-endian int32, row by row.
func EncodeLabeled(f Labeled) []byte {
	buf := make([]byte, 4*len(f.Pix))
	for i, v := range f.Pix {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}

// DecodeLabeled reads a width x height little-endian int32 buffer.
func DecodeLabeled(b []byte, width, height int) (Labeled, error) {
	n := width * height
	if len(b) != 4*n {
		return Labeled{}, fmt.Errorf("labeled %dx%d from %d bytes: %w", width, height, len(b), ErrFrameSize)
	}
	f := NewLabeled(width, height)
	for i := range f.Pix {
		f.Pix[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return f, nil
}

// EncodeRaw writes f as little-endian float32, row by row.
func EncodeRaw(f Raw) []byte {
	buf := make([]byte, 4*len(f.Pix))
	for i, v := range f.Pix {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeRaw reads a width x height little-endian float32 buffer.
func DecodeRaw(b []byte, width, height int) (Raw, error) {
	n := width * height
	if len(b) != 4*n {
		return Raw{}, fmt.Errorf("raw %dx%d from %d bytes: %w", width, height, len(b), ErrFrameSize)
	}
	f := NewRaw(width, height)
	for i := range f.Pix {
		f.Pix[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return f, nil
}

// Stacks holds every frame of a project. Raw is indexed [channel][t] and
// Labeled [feature][t].
type Stacks struct {
	Raw     [][]Raw     `json:"raw"`
	Labeled [][]Labeled `json:"labeled"`
}

// Dimensions describe the shape of the stacks.
type Dimensions struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	NumFrames   int `json:"numFrames"`
	NumChannels int `json:"numChannels"`
	NumFeatures int `json:"numFeatures"`
}

// Dimensions returns the stack shape. Empty stacks have zero size.
func (s Stacks) Dimensions() Dimensions {
	d := Dimensions{NumChannels: len(s.Raw), NumFeatures: len(s.Labeled)}
	switch {
	case len(s.Labeled) > 0 && len(s.Labeled[0]) > 0:
		d.NumFrames = len(s.Labeled[0])
		d.Width, d.Height = s.Labeled[0][0].Width, s.Labeled[0][0].Height
	case len(s.Raw) > 0 && len(s.Raw[0]) > 0:
		d.NumFrames = len(s.Raw[0])
		d.Width, d.Height = s.Raw[0][0].Width, s.Raw[0][0].Height
	}
	return d
}

// LabeledClone copies the labeled stack so it can be broadcast.
func (s Stacks) LabeledClone() [][]Labeled {
	out := make([][]Labeled, len(s.Labeled))
	for c, frames := range s.Labeled {
		out[c] = make([]Labeled, len(frames))
		for t, f := range frames {
			out[c][t] = f.Clone()
		}
	}
	return out
}
