package dfb

import (
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
)

// LocalFrameBuffer holds the assembled image on rank 0.
type LocalFrameBuffer struct {
	mu     sync.RWMutex
	size   image.Point
	format ColorFormat

	color8  []uint32  // RGBA8 and SRGBA
	color32 []float32 // RGBA32F, interleaved
	depth   []float32
	normal  []float32 // interleaved xyz
	albedo  []float32 // interleaved rgb

	mapped int
}

// NewLocalFrameBuffer allocates the channels present in channels.
func NewLocalFrameBuffer(size image.Point, format ColorFormat, channels Channels) *LocalFrameBuffer {
	n := size.X * size.Y
	l := &LocalFrameBuffer{size: size, format: format}
	switch format {
	case FormatRGBA8, FormatSRGBA:
		l.color8 = make([]uint32, n)
	case FormatRGBA32F:
		l.color32 = make([]float32, 4*n)
	}
	if channels.Has(ChannelDepth) {
		l.depth = make([]float32, n)
		inf := float32(math.Inf(1))
		for i := range l.depth {
			l.depth[i] = inf
		}
	}
	if channels.Has(ChannelNormal) {
		l.normal = make([]float32, 3*n)
	}
	if channels.Has(ChannelAlbedo) {
		l.albedo = make([]float32, 3*n)
	}
	return l
}

// Size returns the frame buffer dimensions.
func (l *LocalFrameBuffer) Size() image.Point {
	return l.size
}

// WriteTile copies a gathered tile into place, clipping the padding.
func (l *LocalFrameBuffer) WriteTile(m *tile.MasterTile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for iy := 0; iy < tile.Size; iy++ {
		y := m.Coords.Y + iy
		if y >= l.size.Y {
			break
		}
		for ix := 0; ix < tile.Size; ix++ {
			x := m.Coords.X + ix
			if x >= l.size.X {
				break
			}
			src := tile.Index(ix, iy)
			dst := x + y*l.size.X
			switch {
			case m.Color8 != nil && l.color8 != nil:
				l.color8[dst] = m.Color8[src]
			case m.Color32 != nil && l.color32 != nil:
				copy(l.color32[4*dst:4*dst+4], m.Color32[4*src:4*src+4])
			}
			if m.Depth != nil && l.depth != nil {
				l.depth[dst] = m.Depth[src]
			}
			if m.Normal != nil && l.normal != nil {
				copy(l.normal[3*dst:3*dst+3], m.Normal[3*src:3*src+3])
			}
			if m.Albedo != nil && l.albedo != nil {
				copy(l.albedo[3*dst:3*dst+3], m.Albedo[3*src:3*src+3])
			}
		}
	}
}

// Mapping is a read-only view of one channel. Release it with Unmap.
type Mapping struct {
	Channel Channels
	Size    image.Point
	Format  ColorFormat

	// Color8 holds packed RGBA8 pixels, Color32 interleaved RGBA floats.
	Color8  []uint32
	Color32 []float32
	// Floats holds depth (one per pixel) or normal/albedo (three per pixel).
	Floats []float32
}

func (l *LocalFrameBuffer) mapChannel(ch Channels) (*Mapping, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := &Mapping{Channel: ch, Size: l.size, Format: l.format}
	switch ch {
	case ChannelColor:
		if l.color8 == nil && l.color32 == nil {
			return nil, errors.New(errors.ErrCodeUnsupported, "frame buffer has no color buffer")
		}
		m.Color8 = append([]uint32(nil), l.color8...)
		m.Color32 = append([]float32(nil), l.color32...)
	case ChannelDepth:
		m.Floats = append([]float32(nil), l.depth...)
	case ChannelNormal:
		m.Floats = append([]float32(nil), l.normal...)
	case ChannelAlbedo:
		m.Floats = append([]float32(nil), l.albedo...)
	default:
		return nil, errors.New(errors.ErrCodeUnsupported, "channel %s cannot be mapped", ch)
	}
	if m.Floats == nil && ch != ChannelColor {
		return nil, errors.New(errors.ErrCodeUnsupported, "frame buffer has no %s channel", ch)
	}
	l.mapped++
	return m, nil
}

func (l *LocalFrameBuffer) unmap(m *Mapping) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m == nil || l.mapped == 0 {
		return errors.New(errors.ErrCodeConfig, "unmap of a buffer that is not mapped")
	}
	l.mapped--
	return nil
}

func (l *LocalFrameBuffer) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.color8)
	clear(l.color32)
	inf := float32(math.Inf(1))
	for i := range l.depth {
		l.depth[i] = inf
	}
	clear(l.normal)
	clear(l.albedo)
}

// Image returns the color buffer as an 8-bit image. RGBA8 and SRGBA pixels
// are used as stored, RGBA32F is clamped and quantized.
func (l *LocalFrameBuffer) Image() *image.NRGBA {
	l.mu.RLock()
	defer l.mu.RUnlock()
	img := image.NewNRGBA(image.Rect(0, 0, l.size.X, l.size.Y))
	for y := 0; y < l.size.Y; y++ {
		// frame buffer rows run bottom to top
		row := l.size.Y - 1 - y
		for x := 0; x < l.size.X; x++ {
			i := x + row*l.size.X
			var p uint32
			switch {
			case l.color8 != nil:
				p = l.color8[i]
			case l.color32 != nil:
				p = PackRGBA8(l.color32[4*i], l.color32[4*i+1], l.color32[4*i+2], l.color32[4*i+3])
			}
			r, g, b, a := UnpackRGBA8(p)
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: a})
		}
	}
	return img
}

// DepthImage maps finite depths linearly onto 16-bit gray, nearest white.
// Pixels without a hit stay black. It returns nil without a depth channel.
func (l *LocalFrameBuffer) DepthImage() *image.Gray16 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.depth == nil {
		return nil
	}
	lo, hi := float32(math.Inf(1)), float32(0)
	for _, z := range l.depth {
		if !math.IsInf(float64(z), 0) && z == z {
			lo, hi = min(lo, z), max(hi, z)
		}
	}
	img := image.NewGray16(image.Rect(0, 0, l.size.X, l.size.Y))
	span := hi - lo
	for y := 0; y < l.size.Y; y++ {
		row := l.size.Y - 1 - y
		for x := 0; x < l.size.X; x++ {
			z := l.depth[x+row*l.size.X]
			if math.IsInf(float64(z), 0) || z != z {
				continue
			}
			v := float32(1)
			if span > 0 {
				v = 1 - (z-lo)/span
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v*0xfffe) + 1})
		}
	}
	return img
}
