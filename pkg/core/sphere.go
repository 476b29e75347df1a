package core

import "math"

// HitRecord contains information about a ray-sphere intersection
type HitRecord struct {
	Point  Vec3
	Normal Vec3
	T      float64
	Albedo Vec3
	Alpha  float64
}

// Sphere is the only primitive of the reference renderer
type Sphere struct {
	Center Vec3
	Radius float64
	Albedo Vec3
	Alpha  float64 // opacity in [0,1]; 0 is treated as opaque
}

// NewSphere creates an opaque sphere
func NewSphere(center Vec3, radius float64, albedo Vec3) Sphere {
	return Sphere{Center: center, Radius: radius, Albedo: albedo, Alpha: 1}
}

// Hit tests if a ray intersects with the sphere
func (s Sphere) Hit(ray Ray, tMin, tMax float64) (*HitRecord, bool) {
	oc := ray.Origin.Subtract(s.Center)
	a := ray.Direction.Dot(ray.Direction)
	halfB := oc.Dot(ray.Direction)
	c := oc.Dot(oc) - s.Radius*s.Radius

	discriminant := halfB*halfB - a*c
	if discriminant < 0 {
		return nil, false
	}
	sqrtD := math.Sqrt(discriminant)

	root := (-halfB - sqrtD) / a
	if root < tMin || root > tMax {
		root = (-halfB + sqrtD) / a
		if root < tMin || root > tMax {
			return nil, false
		}
	}

	point := ray.At(root)
	alpha := s.Alpha
	if alpha == 0 {
		alpha = 1
	}
	return &HitRecord{
		Point:  point,
		Normal: point.Subtract(s.Center).Multiply(1 / s.Radius),
		T:      root,
		Albedo: s.Albedo,
		Alpha:  alpha,
	}, true
}

// BoundingBox returns the axis-aligned bounding box of the sphere
func (s Sphere) BoundingBox() AABB {
	r := Vec3{s.Radius, s.Radius, s.Radius}
	return NewAABB(s.Center.Subtract(r), s.Center.Add(r))
}
