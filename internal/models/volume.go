package models

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is wrapped by ShapeMismatchError so callers can test
// for it with errors.Is.
var ErrShapeMismatch = errors.New("input grids do not match")

// Coord is an integer voxel index (i, j, k).
type Coord struct {
	I, J, K int
}

// String formats the coordinate as "(i, j, k)".
func (c Coord) String() string {
	return fmt.Sprintf("(%d, %d, %d)", c.I, c.J, c.K)
}

// Grid describes the voxel lattice shared by every volume of a subject:
// its shape and the 4x4 affine mapping voxel indices to millimetres.
type Grid struct {
	// Nx, Ny, Nz are the number of voxels along i, j and k
	Nx, Ny, Nz int

	// Affine is the 4x4 voxel-to-world transform. Only its diagonal is
	// used for voxel spacing; rotations and shears are not supported.
	Affine *mat.Dense
}

// IdentityAffine returns an axis-aligned affine with isotropic spacing.
func IdentityAffine(spacing float64) *mat.Dense {
	return ScaledAffine(spacing, spacing, spacing)
}

// ScaledAffine returns an axis-aligned affine with per-axis spacing.
func ScaledAffine(sx, sy, sz float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		sx, 0, 0, 0,
		0, sy, 0, 0,
		0, 0, sz, 0,
		0, 0, 0, 1,
	})
}

// NewGrid creates a grid. A nil affine means 1mm isotropic voxels.
func NewGrid(nx, ny, nz int, affine *mat.Dense) Grid {
	if affine == nil {
		affine = IdentityAffine(1)
	}
	return Grid{Nx: nx, Ny: ny, Nz: nz, Affine: affine}
}

// Len returns the number of voxels in the grid.
func (g Grid) Len() int {
	return g.Nx * g.Ny * g.Nz
}

// Shape returns the grid dimensions.
func (g Grid) Shape() [3]int {
	return [3]int{g.Nx, g.Ny, g.Nz}
}

// InBounds reports whether c lies inside the grid.
func (g Grid) InBounds(c Coord) bool {
	return c.I >= 0 && c.I < g.Nx &&
		c.J >= 0 && c.J < g.Ny &&
		c.K >= 0 && c.K < g.Nz
}

// Index returns the flat offset of c (i varies fastest, as in NIfTI).
// The caller must ensure c is in bounds.
func (g Grid) Index(c Coord) int {
	return c.I + g.Nx*(c.J+g.Ny*c.K)
}

// CoordOf is the inverse of Index.
func (g Grid) CoordOf(idx int) Coord {
	i := idx % g.Nx
	idx /= g.Nx
	j := idx % g.Ny
	k := idx / g.Ny
	return Coord{I: i, J: j, K: k}
}

// Spacing returns the absolute diagonal scale terms of the affine, in mm
// per voxel along i, j and k.
func (g Grid) Spacing() [3]float64 {
	return [3]float64{
		math.Abs(g.Affine.At(0, 0)),
		math.Abs(g.Affine.At(1, 1)),
		math.Abs(g.Affine.At(2, 2)),
	}
}

// VoxelSize is the mean absolute diagonal spacing, used as the scalar
// mm-per-voxel factor throughout planning.
func (g Grid) VoxelSize() float64 {
	s := g.Spacing()
	return (s[0] + s[1] + s[2]) / 3
}

// VoxelToWorld maps a (possibly fractional) voxel position to millimetres.
func (g Grid) VoxelToWorld(p [3]float64) [3]float64 {
	in := mat.NewVecDense(4, []float64{p[0], p[1], p[2], 1})
	var out mat.VecDense
	out.MulVec(g.Affine, in)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// WorldToVoxel maps a millimetre position back to voxel space.
func (g Grid) WorldToVoxel(p [3]float64) ([3]float64, error) {
	var inv mat.Dense
	if err := inv.Inverse(g.Affine); err != nil {
		return [3]float64{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	in := mat.NewVecDense(4, []float64{p[0], p[1], p[2], 1})
	var out mat.VecDense
	out.MulVec(&inv, in)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}, nil
}

// Matches reports whether two grids have the same shape and (up to a
// small tolerance) the same affine.
func (g Grid) Matches(o Grid) bool {
	if g.Shape() != o.Shape() {
		return false
	}
	if g.Affine == nil || o.Affine == nil {
		return g.Affine == o.Affine
	}
	return mat.EqualApprox(g.Affine, o.Affine, 1e-4)
}

// ShapeMismatchError reports two inputs of one subject that do not share a
// voxel grid.
type ShapeMismatchError struct {
	Subject string
	A, B    string
	ShapeA  [3]int
	ShapeB  [3]int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("subject %s: %s %v and %s %v are not on the same voxel grid",
		e.Subject, e.A, e.ShapeA, e.B, e.ShapeB)
}

func (e *ShapeMismatchError) Unwrap() error { return ErrShapeMismatch }

// CheckSameGrid returns a *ShapeMismatchError when a and b differ.
func CheckSameGrid(subject, nameA string, a Grid, nameB string, b Grid) error {
	if a.Matches(b) {
		return nil
	}
	return &ShapeMismatchError{
		Subject: subject,
		A:       nameA,
		B:       nameB,
		ShapeA:  a.Shape(),
		ShapeB:  b.Shape(),
	}
}

// Volume is a scalar 3D grid, stored flat in Grid.Index order.
type Volume struct {
	Grid

	// Data holds one value per voxel
	Data []float64
}

// NewVolume allocates a zero-filled volume on grid.
func NewVolume(grid Grid) *Volume {
	return &Volume{Grid: grid, Data: make([]float64, grid.Len())}
}

// At returns the value at c and whether c was in bounds.
func (v *Volume) At(c Coord) (float64, bool) {
	if !v.InBounds(c) {
		return 0, false
	}
	return v.Data[v.Index(c)], true
}

// Set stores val at c. Out-of-bounds writes are ignored.
func (v *Volume) Set(c Coord, val float64) {
	if v.InBounds(c) {
		v.Data[v.Index(c)] = val
	}
}

// Mask is a binary 3D grid. true marks a set voxel.
type Mask struct {
	Grid

	// Data holds one flag per voxel
	Data []bool
}

// NewMask allocates an empty mask on grid.
func NewMask(grid Grid) *Mask {
	return &Mask{Grid: grid, Data: make([]bool, grid.Len())}
}

// MaskFromVolume thresholds a volume: every voxel with |value| > 0.5 is set.
// Label volumes written as floats by upstream tools survive resampling noise
// this way.
func MaskFromVolume(v *Volume) *Mask {
	m := NewMask(v.Grid)
	for i, val := range v.Data {
		m.Data[i] = math.Abs(val) > 0.5
	}
	return m
}

// At returns the flag at c and whether c was in bounds.
func (m *Mask) At(c Coord) (bool, bool) {
	if !m.InBounds(c) {
		return false, false
	}
	return m.Data[m.Index(c)], true
}

// Set marks or clears c. Out-of-bounds writes are ignored.
func (m *Mask) Set(c Coord, val bool) {
	if m.InBounds(c) {
		m.Data[m.Index(c)] = val
	}
}

// Count returns the number of set voxels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Data {
		if b {
			n++
		}
	}
	return n
}

// Union ORs other into m in place. Both masks must share a grid.
func (m *Mask) Union(other *Mask) error {
	if !m.Matches(other.Grid) {
		return fmt.Errorf("union of masks %v and %v: %w", m.Shape(), other.Shape(), ErrShapeMismatch)
	}
	for i, b := range other.Data {
		if b {
			m.Data[i] = true
		}
	}
	return nil
}

// ToVolume converts the mask to a 0/1 volume, for writing to disk.
func (m *Mask) ToVolume() *Volume {
	v := NewVolume(m.Grid)
	for i, b := range m.Data {
		if b {
			v.Data[i] = 1
		}
	}
	return v
}
