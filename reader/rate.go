package reader

import (
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
)

// Report summarizes the reads of one interval.
type Report struct {
	Elapsed              time.Duration
	Reads                int
	Samples              int
	Bytes                int
	MeanSamplesPerRead   float64
	MedianSamplesPerRead float64
	// MaxSamplesPerRead is the largest read seen since the Rate was created.
	MaxSamplesPerRead int
	ReadsPerSecond    float64
	SamplesPerSecond  float64
	MBPerSecond       float64
}

func (r Report) String() string {
	return fmt.Sprintf("%.2f samples/read, %.2f reads/s, %.2f samples/s, %.3f MB/s",
		r.MeanSamplesPerRead, r.ReadsPerSecond, r.SamplesPerSecond, r.MBPerSecond)
}

// Rate accumulates read sizes and produces a Report once per interval.
type Rate struct {
	interval time.Duration
	start    time.Time
	sizes    stats.Float64Data
	bytes    int
	max      int
}

// NewRate starts measuring at now.
func NewRate(interval time.Duration, now time.Time) *Rate {
	return &Rate{interval: interval, start: now}
}

// Add records one read of samples frames totalling nbytes.
func (r *Rate) Add(samples, nbytes int) {
	r.sizes = append(r.sizes, float64(samples))
	r.bytes += nbytes
	if samples > r.max {
		r.max = samples
	}
}

// Report returns the summary since the last report and starts a new interval, but only once
// more than the interval has passed.
func (r *Rate) Report(now time.Time) (Report, bool) {
	elapsed := now.Sub(r.start)
	if elapsed <= r.interval || len(r.sizes) == 0 {
		return Report{}, false
	}

	samples, _ := r.sizes.Sum()
	mean, _ := r.sizes.Mean()
	median, _ := r.sizes.Median()
	secs := elapsed.Seconds()
	rep := Report{
		Elapsed:              elapsed,
		Reads:                len(r.sizes),
		Samples:              int(samples),
		Bytes:                r.bytes,
		MeanSamplesPerRead:   mean,
		MedianSamplesPerRead: median,
		MaxSamplesPerRead:    r.max,
		ReadsPerSecond:       float64(len(r.sizes)) / secs,
		SamplesPerSecond:     samples / secs,
		MBPerSecond:          float64(r.bytes) / secs / (1 << 20),
	}

	r.start = now
	r.sizes = r.sizes[:0]
	r.bytes = 0
	return rep, true
}
