package ml

import (
	"math"
)

// RunningStats keeps a streaming mean and variance (Welford's algorithm)
type RunningStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"-"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Add folds a sample into the statistics
func (s *RunningStats) Add(x float64) {
	if s.Count == 0 {
		s.Min, s.Max = x, x
	}
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (x - s.Mean)

	if x < s.Min {
		s.Min = x
	}
	if x > s.Max {
		s.Max = x
	}
}

// Variance is the sample variance (n-1)
func (s RunningStats) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.M2 / float64(s.Count-1)
}

// StdDev is the sample standard deviation
func (s RunningStats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// ZScore returns how many standard deviations x is from the mean.
// ok is false when there is no variance to measure against.
func (s RunningStats) ZScore(x float64) (z float64, ok bool) {
	sd := s.StdDev()
	if sd == 0 {
		return 0, false
	}
	return (x - s.Mean) / sd, true
}

// HourStats is a circular mean of hours of day, so 23:00 and 01:00 average to midnight
type HourStats struct {
	SumSin float64 `json:"-"`
	SumCos float64 `json:"-"`
	Count  int64   `json:"count"`
}

func hourToAngle(hour float64) float64 {
	return hour / 24 * 2 * math.Pi
}

// Add records an hour of day in [0,24)
func (h *HourStats) Add(hour float64) {
	a := hourToAngle(hour)
	h.SumSin += math.Sin(a)
	h.SumCos += math.Cos(a)
	h.Count++
}

// Mean returns the circular mean hour. ok is false with no samples or when
// the samples cancel out and no direction is defined.
func (h HourStats) Mean() (hour float64, ok bool) {
	if h.Count == 0 {
		return 0, false
	}
	if math.Abs(h.SumSin) < 1e-9 && math.Abs(h.SumCos) < 1e-9 {
		return 0, false
	}
	a := math.Atan2(h.SumSin, h.SumCos)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a / (2 * math.Pi) * 24, true
}

// HourDistance is the shortest distance between two hours on the 24h clock
func HourDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	d = math.Mod(d, 24)
	if d > 12 {
		d = 24 - d
	}
	return d
}
