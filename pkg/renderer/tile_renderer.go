package renderer

import (
	"math"
	"math/rand"

	"github.com/df07/go-cluster-raytracer/pkg/core"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
)

// lightDir is the direction towards the single directional light
var lightDir = core.NewVec3(1, 1, 1).Normalize()

// TileRenderer traces the pixels of tiles against a set of spheres
type TileRenderer struct {
	camera      *Camera
	topColor    core.Vec3
	bottomColor core.Vec3
}

// NewTileRenderer creates a tile renderer for the camera and background gradient
func NewTileRenderer(camera *Camera, topColor, bottomColor core.Vec3) *TileRenderer {
	return &TileRenderer{camera: camera, topColor: topColor, bottomColor: bottomColor}
}

// pixelJob describes one contiguous run of tile pixels to render
type pixelJob struct {
	lo, hi  int
	samples int
	spheres []core.Sphere
	// region limits tracing to a box and leaves the background transparent
	region *core.AABB
}

// renderPixels renders tile pixels [lo, hi) and returns the samples taken.
// Sample 0 of accumulation frame 0 goes through the pixel center; every other
// sample is jittered from a generator seeded by tile, frame and job, so
// re-rendering the same job is deterministic.
func (tr *TileRenderer) renderPixels(t *tile.Tile, job pixelJob) int {
	seed := int64(t.AccumID)<<40 ^ int64(t.Region.Min.X)<<20 ^ int64(t.Region.Min.Y)<<4 ^ int64(job.lo)
	random := rand.New(rand.NewSource(seed))
	samples := max(1, job.samples)
	inf := float32(math.Inf(1))
	taken := 0

	for i := job.lo; i < job.hi; i++ {
		x := t.Region.Min.X + i%tile.Size
		y := t.Region.Min.Y + i/tile.Size
		if x >= t.Region.Max.X || y >= t.Region.Max.Y {
			continue
		}

		var color core.Vec3
		var alpha float64
		depth := math.Inf(1)
		for s := 0; s < samples; s++ {
			jx, jy := 0.5, 0.5
			if t.AccumID > 0 || s > 0 {
				jx, jy = random.Float64(), random.Float64()
			}
			ray := tr.camera.GetRay(
				(float64(x)+jx)/float64(t.FbSize.X),
				(float64(y)+jy)/float64(t.FbSize.Y))
			c, a, d := tr.trace(ray, job)
			color = color.Add(c)
			alpha += a
			depth = math.Min(depth, d)
		}
		taken += samples

		inv := 1 / float64(samples)
		t.R[i] = float32(color.X * inv)
		t.G[i] = float32(color.Y * inv)
		t.B[i] = float32(color.Z * inv)
		t.A[i] = float32(alpha * inv)
		t.Z[i] = inf
		if !math.IsInf(depth, 1) {
			t.Z[i] = float32(depth)
		}
	}
	return taken
}

// trace returns the premultiplied color, coverage and first hit distance of
// ray. Translucent spheres are composited front to back.
func (tr *TileRenderer) trace(ray core.Ray, job pixelJob) (core.Vec3, float64, float64) {
	depth := math.Inf(1)
	if job.region != nil {
		if _, _, ok := job.region.Hit(ray, 0.001, math.Inf(1)); !ok {
			return core.Vec3{}, 0, depth
		}
	}

	var color core.Vec3
	var alpha float64
	used := make([]bool, len(job.spheres))
	for alpha < 0.999 {
		hit, idx := nearestHit(ray, job.spheres, used)
		if hit == nil {
			break
		}
		used[idx] = true
		if math.IsInf(depth, 1) {
			depth = hit.T * ray.Direction.Length()
		}
		shade := 0.3 + 0.7*math.Max(0, hit.Normal.Dot(lightDir))
		weight := (1 - alpha) * hit.Alpha
		color = color.Add(hit.Albedo.Multiply(shade * weight))
		alpha += weight
	}

	if job.region == nil {
		color = color.Add(tr.backgroundGradient(ray).Multiply(1 - alpha))
		alpha = 1
	}
	return color, alpha, depth
}

// nearestHit returns the closest sphere hit not yet marked used
func nearestHit(ray core.Ray, spheres []core.Sphere, used []bool) (*core.HitRecord, int) {
	var closest *core.HitRecord
	idx := -1
	closestSoFar := math.Inf(1)
	for i, s := range spheres {
		if used[i] {
			continue
		}
		if hit, ok := s.Hit(ray, 0.001, closestSoFar); ok {
			closest, idx, closestSoFar = hit, i, hit.T
		}
	}
	return closest, idx
}

// backgroundGradient returns a gradient color based on ray direction
func (tr *TileRenderer) backgroundGradient(r core.Ray) core.Vec3 {
	t := 0.5 * (r.Direction.Normalize().Y + 1.0)
	return tr.bottomColor.Multiply(1.0 - t).Add(tr.topColor.Multiply(t))
}
