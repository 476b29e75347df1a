package scene

import (
	"github.com/df07/go-cluster-raytracer/pkg/core"
	"github.com/df07/go-cluster-raytracer/pkg/renderer"
)

// NewDefaultScene creates a row of three spheres in front of the camera
func NewDefaultScene(aspectRatio float64) *Scene {
	s := newScene("default", renderer.CameraConfig{
		Center:      core.NewVec3(0, 0.75, 2), // Higher and farther back
		LookAt:      core.NewVec3(0, 0.5, -1), // The center sphere
		Up:          core.NewVec3(0, 1, 0),
		AspectRatio: aspectRatio,
		VFov:        40.0,
	})

	s.Spheres = append(s.Spheres,
		core.NewSphere(core.NewVec3(-1, 0.5, -1), 0.5, core.NewVec3(0.8, 0.8, 0.8)),  // silver
		core.NewSphere(core.NewVec3(0, 0.5, -1), 0.5, core.NewVec3(0.65, 0.25, 0.2)), // red
		core.NewSphere(core.NewVec3(1, 0.5, -1), 0.5, core.NewVec3(0.8, 0.6, 0.2)),   // gold
		core.NewSphere(core.NewVec3(0, -100, -1), 99.5, core.NewVec3(0.48, 0.48, 0)), // ground
	)
	return s
}

// NewLayersScene stacks translucent spheres in depth so that distributed
// rendering has overlapping regions to blend
func NewLayersScene(aspectRatio float64) *Scene {
	s := newScene("layers", renderer.CameraConfig{
		Center:      core.NewVec3(0, 0, 4),
		LookAt:      core.NewVec3(0, 0, 0),
		Up:          core.NewVec3(0, 1, 0),
		AspectRatio: aspectRatio,
		VFov:        45.0,
	})

	colors := []core.Vec3{
		core.NewVec3(0.9, 0.2, 0.2),
		core.NewVec3(0.2, 0.9, 0.2),
		core.NewVec3(0.2, 0.2, 0.9),
		core.NewVec3(0.9, 0.9, 0.2),
	}
	for i, c := range colors {
		sp := core.NewSphere(core.NewVec3(-0.9+0.6*float64(i), 0, -float64(i)), 0.7, c)
		sp.Alpha = 0.6
		s.Spheres = append(s.Spheres, sp)
	}
	return s
}
