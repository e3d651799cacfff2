package flicker

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ChannelStats describes one colour channel over a measurement.
type ChannelStats struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	// Percent is the modulation depth (max-min)/(max+min) in percent.
	Percent float64
	// Index is the area above the mean divided by the total area.
	Index float64
}

// Summary aggregates a measurement for reporting.
type Summary struct {
	Points int
	Rate   float64
	Valid  bool
	X      ChannelStats
	Y      ChannelStats
	Z      ChannelStats
}

// Summarize computes per-channel statistics. Empty measurements produce
// zero-valued channel stats.
func Summarize(m *Measurement) Summary {
	s := Summary{Points: len(m.Points), Rate: m.Rate(), Valid: m.Valid}
	if len(m.Points) == 0 {
		return s
	}
	xs := make([]float64, len(m.Points))
	ys := make([]float64, len(m.Points))
	zs := make([]float64, len(m.Points))
	for i, p := range m.Points {
		xs[i] = float64(p.X)
		ys[i] = float64(p.Y)
		zs[i] = float64(p.Z)
	}
	s.X = channelStats(xs)
	s.Y = channelStats(ys)
	s.Z = channelStats(zs)
	return s
}

func channelStats(v []float64) ChannelStats {
	var cs ChannelStats
	cs.Mean, cs.StdDev = stat.MeanStdDev(v, nil)
	if len(v) < 2 {
		cs.StdDev = 0
	}
	cs.Min = floats.Min(v)
	cs.Max = floats.Max(v)
	if sum := cs.Max + cs.Min; sum > 0 {
		cs.Percent = (cs.Max - cs.Min) / sum * 100
	}

	total := floats.Sum(v)
	if total > 0 {
		var above float64
		for _, x := range v {
			if x > cs.Mean {
				above += x - cs.Mean
			}
		}
		cs.Index = above / total
	}
	return cs
}
