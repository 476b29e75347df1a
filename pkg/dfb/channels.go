package dfb

import (
	"fmt"
	"math"
	"strings"
)

// Channels is a set of frame buffer channels.
type Channels uint32

const (
	ChannelColor Channels = 1 << iota
	ChannelDepth
	ChannelAccum
	ChannelVariance
	ChannelNormal
	ChannelAlbedo
)

// Has reports whether every channel in want is present.
func (c Channels) Has(want Channels) bool {
	return c&want == want
}

func (c Channels) String() string {
	names := []struct {
		ch   Channels
		name string
	}{
		{ChannelColor, "color"},
		{ChannelDepth, "depth"},
		{ChannelAccum, "accum"},
		{ChannelVariance, "variance"},
		{ChannelNormal, "normal"},
		{ChannelAlbedo, "albedo"},
	}
	var parts []string
	for _, n := range names {
		if c.Has(n.ch) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseChannels parses a list such as ["color", "accum", "variance"].
func ParseChannels(names []string) (Channels, error) {
	var c Channels
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "color":
			c |= ChannelColor
		case "depth":
			c |= ChannelDepth
		case "accum":
			c |= ChannelAccum
		case "variance":
			c |= ChannelVariance
		case "normal":
			c |= ChannelNormal
		case "albedo":
			c |= ChannelAlbedo
		default:
			return 0, fmt.Errorf("unknown channel %q", n)
		}
	}
	return c, nil
}

// ColorFormat is the pixel format of the gathered color buffer.
type ColorFormat int

const (
	FormatNone ColorFormat = iota
	FormatRGBA8
	FormatSRGBA
	FormatRGBA32F
)

func (f ColorFormat) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatRGBA8:
		return "rgba8"
	case FormatSRGBA:
		return "srgba"
	case FormatRGBA32F:
		return "rgba32f"
	}
	return fmt.Sprintf("ColorFormat(%d)", int(f))
}

// ParseColorFormat parses the names produced by ColorFormat.String.
func ParseColorFormat(s string) (ColorFormat, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return FormatNone, nil
	case "rgba8":
		return FormatRGBA8, nil
	case "srgba":
		return FormatSRGBA, nil
	case "rgba32f":
		return FormatRGBA32F, nil
	}
	return FormatNone, fmt.Errorf("unknown color format %q", s)
}

func clamp01(v float32) float32 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func to8(v float32) uint32 {
	return uint32(clamp01(v)*255 + 0.5)
}

// linearToSRGB applies the sRGB transfer curve.
func linearToSRGB(v float32) float32 {
	v = clamp01(v)
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return float32(1.055*math.Pow(float64(v), 1/2.4) - 0.055)
}

// PackRGBA8 packs four channels into little-endian RGBA8.
func PackRGBA8(r, g, b, a float32) uint32 {
	return to8(r) | to8(g)<<8 | to8(b)<<16 | to8(a)<<24
}

// PackSRGBA packs linear color into sRGB-encoded RGBA8; alpha stays linear.
func PackSRGBA(r, g, b, a float32) uint32 {
	return PackRGBA8(linearToSRGB(r), linearToSRGB(g), linearToSRGB(b), a)
}

// UnpackRGBA8 splits a packed pixel into bytes.
func UnpackRGBA8(p uint32) (r, g, b, a uint8) {
	return uint8(p), uint8(p >> 8), uint8(p >> 16), uint8(p >> 24)
}
