package core

import "math"

// AABB is an axis-aligned box. The zero value is a degenerate box at the
// origin; use EmptyAABB for an accumulator.
type AABB struct {
	Min Vec3
	Max Vec3
}

// NewAABB creates a new AABB from min and max points
func NewAABB(min, max Vec3) AABB {
	return AABB{Min: min, Max: max}
}

// EmptyAABB returns an inverted box that any Extend call replaces.
func EmptyAABB() AABB {
	inf := math.Inf(1)
	return AABB{Min: Vec3{inf, inf, inf}, Max: Vec3{-inf, -inf, -inf}}
}

// NewAABBFromPoints creates an AABB that bounds all given points
func NewAABBFromPoints(points ...Vec3) AABB {
	box := EmptyAABB()
	for _, p := range points {
		box = box.Extend(p)
	}
	if len(points) == 0 {
		return AABB{}
	}
	return box
}

// Extend grows the box to include p
func (b AABB) Extend(p Vec3) AABB {
	return AABB{Min: b.Min.Min(p), Max: b.Max.Max(p)}
}

// Union returns an AABB that bounds both boxes
func (b AABB) Union(other AABB) AABB {
	return AABB{Min: b.Min.Min(other.Min), Max: b.Max.Max(other.Max)}
}

// Center returns the center point of the AABB
func (b AABB) Center() Vec3 {
	return b.Min.Add(b.Max).Multiply(0.5)
}

// Size returns the extent of the AABB along each axis
func (b AABB) Size() Vec3 {
	return b.Max.Subtract(b.Min)
}

// IsValid returns true if min <= max on every axis
func (b AABB) IsValid() bool {
	return b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z
}

// Corners returns the eight corners of the box
func (b AABB) Corners() [8]Vec3 {
	var out [8]Vec3
	for i := range out {
		c := b.Min
		if i&1 != 0 {
			c.X = b.Max.X
		}
		if i&2 != 0 {
			c.Y = b.Max.Y
		}
		if i&4 != 0 {
			c.Z = b.Max.Z
		}
		out[i] = c
	}
	return out
}

// Hit tests the ray against the box with the slab method and returns the
// entry and exit distances clipped to [tMin, tMax].
func (b AABB) Hit(ray Ray, tMin, tMax float64) (float64, float64, bool) {
	lo := [3]float64{b.Min.X, b.Min.Y, b.Min.Z}
	hi := [3]float64{b.Max.X, b.Max.Y, b.Max.Z}
	org := [3]float64{ray.Origin.X, ray.Origin.Y, ray.Origin.Z}
	dir := [3]float64{ray.Direction.X, ray.Direction.Y, ray.Direction.Z}

	for axis := 0; axis < 3; axis++ {
		if math.Abs(dir[axis]) < 1e-8 {
			if org[axis] < lo[axis] || org[axis] > hi[axis] {
				return 0, 0, false
			}
			continue
		}
		inv := 1.0 / dir[axis]
		t0 := (lo[axis] - org[axis]) * inv
		t1 := (hi[axis] - org[axis]) * inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tMin = math.Max(tMin, t0)
		tMax = math.Min(tMax, t1)
		if tMin > tMax {
			return 0, 0, false
		}
	}
	return tMin, tMax, true
}

// Equal reports whether two boxes have identical corners.
func (b AABB) Equal(other AABB) bool {
	return b.Min == other.Min && b.Max == other.Max
}

// Less orders boxes lexicographically by Min then Max, giving region lists a
// stable order on every rank.
func (b AABB) Less(other AABB) bool {
	a := [6]float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z}
	o := [6]float64{other.Min.X, other.Min.Y, other.Min.Z, other.Max.X, other.Max.Y, other.Max.Z}
	for i := range a {
		if a[i] != o[i] {
			return a[i] < o[i]
		}
	}
	return false
}
