package renderer

import (
	"math"

	"github.com/df07/go-cluster-raytracer/pkg/core"
)

// CameraConfig describes a pinhole camera
type CameraConfig struct {
	Center      core.Vec3 // Eye position
	LookAt      core.Vec3 // Point the camera looks at
	Up          core.Vec3 // Up direction, need not be orthogonal to the view
	AspectRatio float64   // Width over height
	VFov        float64   // Vertical field of view in degrees
}

// DefaultCameraConfig looks down -z from z=3 with a 40 degree field of view
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		Center:      core.NewVec3(0, 0, 3),
		LookAt:      core.NewVec3(0, 0, 0),
		Up:          core.NewVec3(0, 1, 0),
		AspectRatio: 1,
		VFov:        40,
	}
}

// Camera generates rays for rendering and projects world points back onto
// the screen. Screen coordinates are in [0,1] with y up.
type Camera struct {
	origin          core.Vec3
	lowerLeftCorner core.Vec3
	horizontal      core.Vec3
	vertical        core.Vec3
	forward         core.Vec3
}

// NewCamera creates a camera from config. The image plane sits at distance 1.
func NewCamera(config CameraConfig) *Camera {
	if config.AspectRatio <= 0 {
		config.AspectRatio = 1
	}
	theta := config.VFov * math.Pi / 180
	viewportHeight := 2 * math.Tan(theta/2)
	viewportWidth := config.AspectRatio * viewportHeight

	w := config.Center.Subtract(config.LookAt).Normalize()
	u := config.Up.Cross(w).Normalize()
	v := w.Cross(u)

	horizontal := u.Multiply(viewportWidth)
	vertical := v.Multiply(viewportHeight)
	lowerLeftCorner := config.Center.
		Subtract(horizontal.Multiply(0.5)).
		Subtract(vertical.Multiply(0.5)).
		Subtract(w)

	return &Camera{
		origin:          config.Center,
		horizontal:      horizontal,
		vertical:        vertical,
		lowerLeftCorner: lowerLeftCorner,
		forward:         w.Multiply(-1),
	}
}

// GetRay generates a ray for screen coordinates (s, t) where 0 <= s,t <= 1
func (c *Camera) GetRay(s, t float64) core.Ray {
	direction := c.lowerLeftCorner.
		Add(c.horizontal.Multiply(s)).
		Add(c.vertical.Multiply(t)).
		Subtract(c.origin)

	return core.NewRay(c.origin, direction)
}

// GetCameraForward returns the unit view direction
func (c *Camera) GetCameraForward() core.Vec3 {
	return c.forward
}

// ProjectPoint maps p to screen coordinates and its depth along the view
// direction. Points at or behind the eye return their depth and (0, 0).
func (c *Camera) ProjectPoint(p core.Vec3) (x, y, depth float64) {
	d := p.Subtract(c.origin)
	depth = d.Dot(c.forward)
	if depth <= 0 {
		return 0, 0, depth
	}
	onPlane := c.origin.Add(d.Multiply(1 / depth)).Subtract(c.lowerLeftCorner)
	x = onPlane.Dot(c.horizontal) / c.horizontal.Dot(c.horizontal)
	y = onPlane.Dot(c.vertical) / c.vertical.Dot(c.vertical)
	return x, y, depth
}
