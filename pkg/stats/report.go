// Package stats collects per-frame timing reports from the frame buffer and
// load balancers and ships them to sinks.
package stats

import (
	"math"
	"slices"
	"time"
)

// DurationStats summarizes a set of measured durations.
type DurationStats struct {
	Count  int           `json:"count" bson:"count"`
	Min    time.Duration `json:"min" bson:"min"`
	Max    time.Duration `json:"max" bson:"max"`
	Mean   time.Duration `json:"mean" bson:"mean"`
	Median time.Duration `json:"median" bson:"median"`
	StdDev time.Duration `json:"stddev" bson:"stddev"`
}

// Summarize computes DurationStats for samples. An empty input yields the
// zero value.
func Summarize(samples []time.Duration) DurationStats {
	if len(samples) == 0 {
		return DurationStats{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum float64
	for _, d := range sorted {
		sum += float64(d)
	}
	mean := sum / float64(len(sorted))

	var sq float64
	for _, d := range sorted {
		diff := float64(d) - mean
		sq += diff * diff
	}

	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return DurationStats{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   time.Duration(mean),
		Median: median,
		StdDev: time.Duration(math.Sqrt(sq / float64(len(sorted)))),
	}
}

// FrameReport is one rank's account of one frame.
type FrameReport struct {
	Session  string    `json:"session" bson:"session"`
	Rank     int       `json:"rank" bson:"rank"`
	Frame    int       `json:"frame" bson:"frame"`
	Balancer string    `json:"balancer" bson:"balancer"`
	Started  time.Time `json:"started" bson:"started"`

	TilesOwned     int     `json:"tiles_owned" bson:"tiles_owned"`
	TilesCompleted int     `json:"tiles_completed" bson:"tiles_completed"`
	TilesRendered  int     `json:"tiles_rendered" bson:"tiles_rendered"`
	Variance       float32 `json:"variance" bson:"variance"` // -1 while unknown
	Cancelled      bool    `json:"cancelled" bson:"cancelled"`

	QueueTimes DurationStats `json:"queue_times" bson:"queue_times"`
	WorkTimes  DurationStats `json:"work_times" bson:"work_times"`

	RenderTime        time.Duration `json:"render_time" bson:"render_time"`
	WaitTime          time.Duration `json:"wait_time" bson:"wait_time"`
	CompressTime      time.Duration `json:"compress_time" bson:"compress_time"`
	GatherTime        time.Duration `json:"gather_time" bson:"gather_time"`
	DecompressTime    time.Duration `json:"decompress_time" bson:"decompress_time"`
	MasterWriteTime   time.Duration `json:"master_write_time" bson:"master_write_time"`
	CompressedPercent float64       `json:"compressed_percent" bson:"compressed_percent"`
	FrameTime         time.Duration `json:"frame_time" bson:"frame_time"`
}
