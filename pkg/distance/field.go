// Package distance computes capped Euclidean distance fields from binary
// "do not hit" masks. The field serves both as a collision oracle (value 0)
// and as the source of trajectory margins.
package distance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"seegplan/internal/models"
)

// DefaultCutoffMM caps distances so voxels far from every structure do not
// dominate margin scores.
const DefaultCutoffMM = 15.0

// ErrInvalidSpacing is returned when the mask's affine has a zero or
// non-finite diagonal.
var ErrInvalidSpacing = errors.New("voxel spacing must be positive")

// Options controls Compute.
type Options struct {
	// CutoffMM is the maximum stored distance. Zero means DefaultCutoffMM.
	CutoffMM float64

	// Workers bounds the number of goroutines per pass. Zero means
	// runtime.NumCPU().
	Workers int
}

// Compute returns the distance, in millimetres, from every voxel to the
// nearest set voxel of mask, clamped to opts.CutoffMM. Set voxels get 0.
//
// The transform is exact on the voxel lattice (separable lower envelope of
// parabolas) and is converted to millimetres with the mean diagonal spacing
// of the affine, so anisotropic grids are treated as isotropic.
func Compute(ctx context.Context, mask *models.Mask, opts Options) (*models.Volume, error) {
	cutoff := opts.CutoffMM
	if cutoff <= 0 {
		cutoff = DefaultCutoffMM
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	voxelSize := mask.VoxelSize()
	for _, s := range mask.Spacing() {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("spacing %v: %w", mask.Spacing(), ErrInvalidSpacing)
		}
	}

	field := models.NewVolume(mask.Grid)
	inf := math.Inf(1)
	for i, forbidden := range mask.Data {
		if forbidden {
			field.Data[i] = 0
		} else {
			field.Data[i] = inf
		}
	}

	g := mask.Grid
	// One pass per axis; each pass is independent along the other two axes.
	passes := []struct {
		n, stride    int
		outer, inner int
		base         func(a, b int) int
	}{
		{n: g.Nx, stride: 1, outer: g.Nz, inner: g.Ny,
			base: func(k, j int) int { return g.Nx * (j + g.Ny*k) }},
		{n: g.Ny, stride: g.Nx, outer: g.Nz, inner: g.Nx,
			base: func(k, i int) int { return i + g.Nx*g.Ny*k }},
		{n: g.Nz, stride: g.Nx * g.Ny, outer: g.Ny, inner: g.Nx,
			base: func(j, i int) int { return i + g.Nx*j }},
	}

	for _, p := range passes {
		if p.n == 0 || p.outer == 0 {
			continue
		}
		p := p
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(workers)
		for a := 0; a < p.outer; a++ {
			a := a
			eg.Go(func() error {
				if err := egCtx.Err(); err != nil {
					return err
				}
				lt := newLineTransform(p.n)
				for b := 0; b < p.inner; b++ {
					lt.apply(field.Data, p.base(a, b), p.stride)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, fmt.Errorf("distance transform: %w", err)
		}
	}

	for i, d2 := range field.Data {
		d := math.Sqrt(d2) * voxelSize
		if d > cutoff {
			d = cutoff
		}
		field.Data[i] = d
	}

	return field, nil
}

// CollisionMap marks every voxel whose distance is exactly zero, i.e. the
// forbidden voxels the field was built from.
func CollisionMap(field *models.Volume) *models.Mask {
	m := models.NewMask(field.Grid)
	for i, d := range field.Data {
		m.Data[i] = d == 0
	}
	return m
}

// lineTransform holds the scratch buffers for one 1D squared distance
// transform so a worker can reuse them across lines.
type lineTransform struct {
	f []float64
	d []float64
	v []int
	z []float64
}

func newLineTransform(n int) *lineTransform {
	return &lineTransform{
		f: make([]float64, n),
		d: make([]float64, n),
		v: make([]int, n),
		z: make([]float64, n+1),
	}
}

// apply replaces the squared distances stored along one line of data
// (starting at base, spaced by stride) with their 1D lower envelope.
// Infinite sites carry no parabola.
func (lt *lineTransform) apply(data []float64, base, stride int) {
	n := len(lt.f)
	for q := 0; q < n; q++ {
		lt.f[q] = data[base+q*stride]
	}

	f, v, z := lt.f, lt.v, lt.z
	k := -1
	for q := 0; q < n; q++ {
		if math.IsInf(f[q], 1) {
			continue
		}
		if k < 0 {
			k = 0
			v[0] = q
			z[0] = math.Inf(-1)
			z[1] = math.Inf(1)
			continue
		}
		fq := f[q] + float64(q*q)
		var s float64
		for {
			p := v[k]
			s = (fq - (f[p] + float64(p*p))) / float64(2*q-2*p)
			if s > z[k] {
				break
			}
			k--
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.Inf(1)
	}

	if k < 0 {
		// no finite site on this line; leave it at +Inf
		return
	}

	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < float64(q) {
			k++
		}
		dq := float64(q - v[k])
		lt.d[q] = dq*dq + f[v[k]]
	}
	for q := 0; q < n; q++ {
		data[base+q*stride] = lt.d[q]
	}
}
