// Package visualization renders debug images of a planning run: distance
// field slices with trajectory overlays and a histogram of margins.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"seegplan/internal/models"
	"seegplan/pkg/trajectory"
)

var (
	pathColor     = color.RGBA{R: 230, G: 40, B: 40, A: 255}
	entryColor    = color.RGBA{R: 40, G: 200, B: 60, A: 255}
	terminalColor = color.RGBA{R: 60, G: 120, B: 255, A: 255}
)

// Viewer draws axis-aligned slices of a distance field. Values are mapped
// to grey linearly from 0 (black, forbidden) to maxValue (white).
type Viewer struct {
	field    *models.Volume
	maxValue float64

	// overlay colours; later marks replace earlier ones
	marks map[models.Coord]color.RGBA
}

// NewViewer creates a viewer for field. maxValue <= 0 uses the field's
// largest value.
func NewViewer(field *models.Volume, maxValue float64) *Viewer {
	if maxValue <= 0 {
		for _, d := range field.Data {
			maxValue = math.Max(maxValue, d)
		}
		if maxValue <= 0 {
			maxValue = 1
		}
	}
	return &Viewer{
		field:    field,
		maxValue: maxValue,
		marks:    make(map[models.Coord]color.RGBA),
	}
}

// AddTrajectory overlays the walked voxels of t, its entry and terminal.
func (v *Viewer) AddTrajectory(t models.Trajectory) {
	trajectory.Walk(t, func(c models.Coord) bool {
		v.marks[c] = pathColor
		return true
	})
	v.marks[t.Entry] = entryColor
	v.marks[t.Terminal] = terminalColor
}

// ExtractSlice renders the plane at index position along axis. For "x"
// the image spans (j, k), for "y" (i, k) and for "z" (i, j).
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	g := v.field.Grid
	var w, h, limit int
	var at func(x, y int) models.Coord

	switch strings.ToLower(axis) {
	case "x":
		w, h, limit = g.Ny, g.Nz, g.Nx
		at = func(x, y int) models.Coord { return models.Coord{I: position, J: x, K: y} }
	case "y":
		w, h, limit = g.Nx, g.Nz, g.Ny
		at = func(x, y int) models.Coord { return models.Coord{I: x, J: position, K: y} }
	case "z":
		w, h, limit = g.Nx, g.Ny, g.Nz
		at = func(x, y int) models.Coord { return models.Coord{I: x, J: y, K: position} }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if position >= limit {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, axis, limit)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := at(x, y)
			if m, ok := v.marks[c]; ok {
				img.SetRGBA(x, y, m)
				continue
			}
			d, _ := v.field.At(c)
			grey := uint8(math.Max(0, math.Min(255, d/v.maxValue*255)))
			img.SetRGBA(x, y, color.RGBA{R: grey, G: grey, B: grey, A: 255})
		}
	}
	return img, nil
}

// SaveSlice writes img as PNG when filename ends in .png, JPEG otherwise.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(filename), ".png") {
		return png.Encode(file, img)
	}
	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveOrthogonalSlices writes the three slices through c into outputDir
// as <prefix>_{x,y,z}.png.
func (v *Viewer) SaveOrthogonalSlices(c models.Coord, outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for _, s := range []struct {
		axis string
		pos  int
	}{{"x", c.I}, {"y", c.J}, {"z", c.K}} {
		img, err := v.ExtractSlice(s.axis, s.pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, s.axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
