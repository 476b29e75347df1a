package renderer

// RenderStats contains statistics about the rendering process on one rank
type RenderStats struct {
	TotalPixels    int     // Pixels rendered in the frame
	TotalSamples   int     // Samples taken in the frame
	AverageSamples float64 // Average samples per rendered pixel
	MaxSamples     int     // Samples per pixel requested
}
