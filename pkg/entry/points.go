package entry

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"seegplan/internal/models"
)

// point is an entry candidate placed in millimetre space so the k-d tree
// measures physical spacing. coord keeps the voxel it came from.
type point struct {
	X, Y, Z float64
	coord   models.Coord
}

// Compare implements the kdtree.Comparable interface
func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the k-d tree
func (p point) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// points satisfies kdtree.Interface
type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{points: p, Dim: d}, kdtree.MedianOfRandoms(plane{points: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for points
type plane struct {
	points
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.points[i].X < p.points[j].X
	case 1:
		return p.points[i].Y < p.points[j].Y
	case 2:
		return p.points[i].Z < p.points[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{points: p.points[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// forest holds accepted points in balanced k-d trees of doubling size.
// Level l is either empty or holds exactly 1<<l points. Inserting merges
// full levels upward and rebuilds one tree, so no tree is ever grown
// point by point and candidates arriving in sorted order cannot unbalance
// it.
type forest struct {
	levels []points
	trees  []*kdtree.Tree
}

func (f *forest) insert(p point) {
	carry := points{p}
	for l := 0; ; l++ {
		if l == len(f.levels) {
			f.levels = append(f.levels, nil)
			f.trees = append(f.trees, nil)
		}
		if f.levels[l] == nil {
			f.levels[l] = carry
			f.trees[l] = kdtree.New(carry, false)
			return
		}
		carry = append(carry, f.levels[l]...)
		f.levels[l], f.trees[l] = nil, nil
	}
}

// nearest returns the squared distance from p to the closest point held,
// or +Inf when the forest is empty.
func (f *forest) nearest(p point) float64 {
	best := math.Inf(1)
	for _, t := range f.trees {
		if t == nil {
			continue
		}
		if _, d := t.Nearest(p); d < best {
			best = d
		}
	}
	return best
}
