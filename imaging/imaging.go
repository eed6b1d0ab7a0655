// SPDX-License-Identifier: GPL-3.0-only

// Package imaging renders arbitrary source images into the raw encoded
// byte buffers macro keypad screens expect: resized to the key's pixel
// size, rotated and mirrored per device family, encoded as JPEG or BMP.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/gift"
	"golang.org/x/image/bmp"
)

// ErrNoMode is returned when a conversion is requested for ModeNone,
// i.e. a device family without key screens.
var ErrNoMode = errors.New("image mode is none")

// jpegQuality is the encoder quality for JPEG key images. Key screens
// are tiny, so a high setting costs little.
const jpegQuality = 90

// Mode is the encoded image format a device family expects.
type Mode int

const (
	// ModeNone marks device families without key screens.
	ModeNone Mode = iota
	// ModeBMP encodes key images as bitmaps.
	ModeBMP
	// ModeJPEG encodes key images as JPEG.
	ModeJPEG
)

// Rotation is a clockwise rotation applied before encoding.
type Rotation int

const (
	Rotate0 Rotation = iota
	Rotate90
	Rotate180
	Rotate270
)

// Mirroring flips the image along one or both axes before encoding.
type Mirroring int

const (
	MirrorNone Mirroring = iota
	MirrorX
	MirrorY
	MirrorBoth
)

// Format describes how a device family wants its key images delivered.
type Format struct {
	Mode     Mode
	Width    int
	Height   int
	Rotation Rotation
	Mirror   Mirroring
}

// filters builds the transform pipeline: rotate, mirror, then resize to
// the exact target size so the output dimensions always match the key
// screen regardless of the source aspect ratio.
func (f Format) filters() (*gift.GIFT, error) {
	var filters []gift.Filter

	switch f.Rotation {
	case Rotate0:
	case Rotate90:
		// gift rotations are counter-clockwise.
		filters = append(filters, gift.Rotate270())
	case Rotate180:
		filters = append(filters, gift.Rotate180())
	case Rotate270:
		filters = append(filters, gift.Rotate90())
	default:
		return nil, fmt.Errorf("unknown rotation %d", f.Rotation)
	}

	switch f.Mirror {
	case MirrorNone:
	case MirrorX:
		filters = append(filters, gift.FlipHorizontal())
	case MirrorY:
		filters = append(filters, gift.FlipVertical())
	case MirrorBoth:
		filters = append(filters, gift.FlipHorizontal(), gift.FlipVertical())
	default:
		return nil, fmt.Errorf("unknown mirroring %d", f.Mirror)
	}

	filters = append(filters, gift.Resize(f.Width, f.Height, gift.LanczosResampling))

	return gift.New(filters...), nil
}

// Convert renders img according to the format and returns the encoded
// bytes ready for the device's image upload protocol.
func Convert(img image.Image, f Format) ([]byte, error) {
	if f.Mode == ModeNone {
		return nil, ErrNoMode
	}
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", f.Width, f.Height)
	}

	g, err := f.filters()
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(g.Bounds(img.Bounds()))
	g.Draw(dst, img)

	var buf bytes.Buffer
	switch f.Mode {
	case ModeJPEG:
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("failed to encode JPEG: %w", err)
		}
	case ModeBMP:
		if err := bmp.Encode(&buf, dst); err != nil {
			return nil, fmt.Errorf("failed to encode BMP: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown image mode %d", f.Mode)
	}

	return buf.Bytes(), nil
}
