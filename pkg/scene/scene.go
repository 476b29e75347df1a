// Package scene builds the sphere scenes rendered by the reference renderer
// and splits them into regions that ranks own in distributed rendering.
package scene

import (
	"fmt"
	"sort"

	"github.com/df07/go-cluster-raytracer/pkg/core"
	"github.com/df07/go-cluster-raytracer/pkg/renderer"
	"github.com/df07/go-cluster-raytracer/pkg/world"
)

// Scene contains all the elements needed for rendering
type Scene struct {
	Name           string
	Camera         *renderer.Camera
	CameraConfig   renderer.CameraConfig
	TopColor       core.Vec3 // Sky color at the top of the background gradient
	BottomColor    core.Vec3 // Horizon color
	Spheres        []core.Sphere
	SamplingConfig renderer.SamplingConfig

	regions [][]int // sphere indices per region
}

// GetCamera returns the scene camera
func (s *Scene) GetCamera() *renderer.Camera { return s.Camera }

// GetBackgroundColors returns the gradient endpoints
func (s *Scene) GetBackgroundColors() (topColor, bottomColor core.Vec3) {
	return s.TopColor, s.BottomColor
}

// GetSpheres returns every sphere in the scene
func (s *Scene) GetSpheres() []core.Sphere { return s.Spheres }

// Partition splits the spheres into n regions of slabs along x. Region ids
// are 0..n-1; n is capped at the sphere count.
func (s *Scene) Partition(n int) {
	n = max(1, min(n, len(s.Spheres)))
	order := make([]int, len(s.Spheres))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return s.Spheres[order[a]].Center.X < s.Spheres[order[b]].Center.X
	})
	s.regions = make([][]int, n)
	for k, idx := range order {
		r := k * n / len(order)
		s.regions[r] = append(s.regions[r], idx)
	}
}

// NumRegions returns the number of regions after Partition, or 1.
func (s *Scene) NumRegions() int {
	return max(1, len(s.regions))
}

// RegionSpheres returns the spheres of region id. An unpartitioned scene is
// one region holding everything.
func (s *Scene) RegionSpheres(id int) []core.Sphere {
	if len(s.regions) == 0 {
		if id == 0 {
			return s.Spheres
		}
		return nil
	}
	if id < 0 || id >= len(s.regions) {
		return nil
	}
	out := make([]core.Sphere, len(s.regions[id]))
	for i, idx := range s.regions[id] {
		out[i] = s.Spheres[idx]
	}
	return out
}

// Regions returns every region with its bounds.
func (s *Scene) Regions() []world.Region {
	out := make([]world.Region, s.NumRegions())
	for id := range out {
		bounds := core.EmptyAABB()
		for _, sp := range s.RegionSpheres(id) {
			bounds = bounds.Union(sp.BoundingBox())
		}
		out[id] = world.Region{Bounds: bounds, ID: id}
	}
	return out
}

// LocalRegions returns the regions rank holds: region k lives on rank
// k mod numRanks. With more ranks than regions, rank r also holds a replica
// of region r mod numRegions, so every rank commits at least one region.
func (s *Scene) LocalRegions(rank, numRanks int) []world.Region {
	n := s.NumRegions()
	var out []world.Region
	for _, r := range s.Regions() {
		if r.ID%numRanks == rank || (numRanks > n && rank%n == r.ID) {
			out = append(out, r)
		}
	}
	return out
}

// New builds the named scene for the given aspect ratio
func New(name string, aspectRatio float64) (*Scene, error) {
	switch name {
	case "", "default":
		return NewDefaultScene(aspectRatio), nil
	case "spheregrid":
		return NewSphereGridScene(aspectRatio), nil
	case "layers":
		return NewLayersScene(aspectRatio), nil
	}
	return nil, fmt.Errorf("unknown scene %q", name)
}

// Names lists the built-in scenes
func Names() []string {
	return []string{"default", "spheregrid", "layers"}
}

func newScene(name string, config renderer.CameraConfig) *Scene {
	return &Scene{
		Name:           name,
		Camera:         renderer.NewCamera(config),
		CameraConfig:   config,
		TopColor:       core.NewVec3(0.5, 0.7, 1.0), // Blue sky
		BottomColor:    core.NewVec3(1.0, 1.0, 1.0), // White horizon
		SamplingConfig: renderer.DefaultSamplingConfig(),
	}
}
