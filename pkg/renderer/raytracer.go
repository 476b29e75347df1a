// Package renderer is the reference ray caster driven by the load balancers.
// It shades spheres with a single directional light over a gradient
// background and can render either the whole scene or one region of it.
package renderer

import (
	"sync/atomic"

	"github.com/df07/go-cluster-raytracer/pkg/balancer"
	"github.com/df07/go-cluster-raytracer/pkg/core"
	"github.com/df07/go-cluster-raytracer/pkg/dfb"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
	"github.com/df07/go-cluster-raytracer/pkg/world"
)

// SamplingConfig contains rendering configuration
type SamplingConfig struct {
	SamplesPerPixel int     // Rays per pixel per frame; below 1 renders a coarse first frame
	ErrorThreshold  float32 // Tiles whose error drops to this stop rendering; 0 never stops
}

// DefaultSamplingConfig returns sensible default values
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		SamplesPerPixel: 1,
		ErrorThreshold:  0,
	}
}

// Scene interface to avoid circular imports
type Scene interface {
	GetCamera() *Camera
	GetBackgroundColors() (topColor, bottomColor core.Vec3)
	GetSpheres() []core.Sphere
	RegionSpheres(id int) []core.Sphere
}

// Raytracer renders a Scene tile by tile
type Raytracer struct {
	scene  Scene
	config SamplingConfig
	tiles  *TileRenderer

	pixels  atomic.Int64
	samples atomic.Int64
	last    atomic.Pointer[RenderStats]
}

var _ balancer.RegionRenderer = (*Raytracer)(nil)

// NewRaytracer creates a new raytracer
func NewRaytracer(scene Scene, config SamplingConfig) *Raytracer {
	top, bottom := scene.GetBackgroundColors()
	return &Raytracer{
		scene:  scene,
		config: config,
		tiles:  NewTileRenderer(scene.GetCamera(), top, bottom),
	}
}

func (rt *Raytracer) BeginFrame(*dfb.FrameBuffer) any {
	rt.pixels.Store(0)
	rt.samples.Store(0)
	return nil
}

func (rt *Raytracer) RenderTile(_ any, t *tile.Tile, job int) {
	rt.render(t, job, pixelJob{spheres: rt.scene.GetSpheres()})
}

func (rt *Raytracer) RenderRegionTile(_ any, region world.Region, t *tile.Tile, job int) {
	bounds := region.Bounds
	rt.render(t, job, pixelJob{spheres: rt.scene.RegionSpheres(region.ID), region: &bounds})
}

func (rt *Raytracer) render(t *tile.Tile, job int, pj pixelJob) {
	pj.lo, pj.hi = balancer.JobPixels(job, balancer.NumJobs(rt.config.SamplesPerPixel, t.AccumID))
	pj.samples = rt.config.SamplesPerPixel
	taken := rt.tiles.renderPixels(t, pj)
	rt.pixels.Add(int64(taken / max(1, pj.samples)))
	rt.samples.Add(int64(taken))
}

func (rt *Raytracer) EndFrame(any, dfb.Channels) {
	stats := RenderStats{
		TotalPixels:  int(rt.pixels.Load()),
		TotalSamples: int(rt.samples.Load()),
		MaxSamples:   max(1, rt.config.SamplesPerPixel),
	}
	if stats.TotalPixels > 0 {
		stats.AverageSamples = float64(stats.TotalSamples) / float64(stats.TotalPixels)
	}
	rt.last.Store(&stats)
}

// Stats returns what the last frame rendered on this rank
func (rt *Raytracer) Stats() RenderStats {
	if s := rt.last.Load(); s != nil {
		return *s
	}
	return RenderStats{}
}

func (rt *Raytracer) ErrorThreshold() float32 { return rt.config.ErrorThreshold }
func (rt *Raytracer) SamplesPerPixel() int    { return rt.config.SamplesPerPixel }

// Camera returns the scene camera for region projection
func (rt *Raytracer) Camera() world.Camera { return rt.scene.GetCamera() }

// Background is the opaque color behind all regions: the middle of the
// gradient.
func (rt *Raytracer) Background() [4]float32 {
	top, bottom := rt.scene.GetBackgroundColors()
	mid := top.Add(bottom).Multiply(0.5)
	return [4]float32{float32(mid.X), float32(mid.Y), float32(mid.Z), 1}
}
