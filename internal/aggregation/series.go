package aggregation

import (
	"sort"
	"strconv"
	"time"

	"github.com/smukkama/implant-monitor/internal/telemetry"
)

// fallbackSize is how many of the most recent values are charted when the
// requested window holds none.
const fallbackSize = 7

// Point is one chart bucket
type Point struct {
	Key   string  `json:"x"`
	Value float64 `json:"y"`
}

// Series is the chart data for one measurement type over one range.
// Fallback is set when Points hold the latest values instead of the window.
type Series struct {
	Type     telemetry.MeasurementType `json:"type"`
	Range    Range                     `json:"range"`
	Grain    Grain                     `json:"grain"`
	Fallback bool                      `json:"fallback"`
	Points   []Point                   `json:"points"`
}

type bucket struct {
	key   string
	sum   float64
	count int
}

// Aggregate averages the readings' values inside the window of r into hour or
// day buckets. Buckets appear in the order first seen over the readings sorted
// by time; empty buckets are omitted. When the window is empty the last
// fallbackSize values across all time are returned, keyed "0".."6".
// Readings with a zero timestamp are ignored.
func Aggregate(readings []telemetry.Reading, m telemetry.MeasurementType, r Range, now time.Time) (Series, error) {
	window, err := WindowFor(r, now)
	if err != nil {
		return Series{}, err
	}

	series := Series{Type: m, Range: r, Grain: window.Grain, Points: []Point{}}
	sorted := sortedByTime(readings)

	var buckets []*bucket
	index := make(map[string]*bucket)
	for _, reading := range sorted {
		ts := reading.Timestamp.In(now.Location())
		if !window.Contains(ts) {
			continue
		}
		v, ok := m.Value(reading)
		if !ok {
			continue
		}

		key := bucketKey(ts, window.Grain)
		b, exists := index[key]
		if !exists {
			b = &bucket{key: key}
			index[key] = b
			buckets = append(buckets, b)
		}
		b.sum += v
		b.count++
	}

	if len(buckets) > 0 {
		for _, b := range buckets {
			series.Points = append(series.Points, Point{Key: b.key, Value: b.sum / float64(b.count)})
		}
		return series, nil
	}

	series.Points = fallback(sorted, m)
	series.Fallback = len(series.Points) > 0
	return series, nil
}

func fallback(sorted []telemetry.Reading, m telemetry.MeasurementType) []Point {
	var values []float64
	for _, reading := range sorted {
		// Readings without displacement take no micromovement slot.
		if v, ok := m.Value(reading); ok {
			values = append(values, v)
		}
	}
	if len(values) > fallbackSize {
		values = values[len(values)-fallbackSize:]
	}

	points := make([]Point, 0, len(values))
	for i, v := range values {
		points = append(points, Point{Key: strconv.Itoa(i), Value: v})
	}
	return points
}

// sortedByTime copies readings without zero timestamps in ascending time
// order, breaking ties by ID.
func sortedByTime(readings []telemetry.Reading) []telemetry.Reading {
	sorted := make([]telemetry.Reading, 0, len(readings))
	for _, r := range readings {
		if !r.Timestamp.IsZero() {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}
