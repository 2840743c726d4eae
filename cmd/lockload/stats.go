package main

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
)

// statsInput is everything a finished run hands to the stats builder.
type statsInput struct {
	Started   int
	Succeeded int64
	Failed    int64
	TimedOut  int64
	Canceled  int64
	Latencies []time.Duration
	WallTime  time.Duration
	Errors    map[string]int64
}

// loadStats summarizes one load run.
type loadStats struct {
	Transfers int64
	Succeeded int64
	Failed    int64
	TimedOut  int64
	Canceled  int64

	SuccessRate float64
	WallTime    time.Duration
	Throughput  float64 // successful transfers per second of wall time

	Mean, Median, P90, P95, P99 time.Duration
	Min, Max, StdDev            time.Duration

	Errors map[string]int64
}

// newLoadStats computes rates and latency percentiles from raw outcomes.
func newLoadStats(in statsInput) loadStats {
	s := loadStats{
		Transfers: int64(in.Started),
		Succeeded: in.Succeeded,
		Failed:    in.Failed,
		TimedOut:  in.TimedOut,
		Canceled:  in.Canceled,
		WallTime:  in.WallTime,
		Errors:    in.Errors,
	}
	if s.Transfers > 0 {
		s.SuccessRate = float64(s.Succeeded) * 100.0 / float64(s.Transfers)
	}
	if in.WallTime > 0 {
		s.Throughput = float64(s.Succeeded) / in.WallTime.Seconds()
	}

	latencies := in.Latencies
	if len(latencies) == 0 {
		return s
	}
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	n := len(latencies)
	mean := sum / time.Duration(n)

	var variance float64
	for _, lat := range latencies {
		diff := float64(lat - mean)
		variance += diff * diff
	}
	variance /= float64(n)

	s.Mean = mean
	s.Median = percentile(latencies, 50)
	s.P90 = percentile(latencies, 90)
	s.P95 = percentile(latencies, 95)
	s.P99 = percentile(latencies, 99)
	s.Min = latencies[0]
	s.Max = latencies[n-1]
	s.StdDev = time.Duration(math.Sqrt(variance))
	return s
}

// percentile returns the given percentile from a sorted duration slice,
// interpolating between neighbors when the rank falls between two samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	index := p / 100.0 * float64(len(sorted))
	if index == math.Floor(index) {
		idx := int(index) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}

	lower := int(math.Floor(index)) - 1
	upper := int(math.Ceil(index)) - 1
	if lower < 0 {
		lower = 0
	}
	if upper >= len(sorted) {
		upper = len(sorted) - 1
	}
	if lower == upper {
		return sorted[lower]
	}

	fraction := index - math.Floor(index)
	lowerVal := float64(sorted[lower])
	upperVal := float64(sorted[upper])
	return time.Duration(lowerVal + fraction*(upperVal-lowerVal))
}

// printSummary renders the run report on stdout.
func printSummary(s loadStats) {
	fmt.Println()
	title := "📊 Load Run Summary"
	fmt.Println(color.New(color.Bold).Sprint(title))
	fmt.Println(strings.Repeat("-", len(title)))

	fmt.Printf("  Transfers:    %d\n", s.Transfers)
	fmt.Printf("  Succeeded:    %s\n", color.GreenString("%d (%.1f%%)", s.Succeeded, s.SuccessRate))
	fmt.Printf("  Failed:       %s\n", countString(s.Failed, color.FgRed))
	fmt.Printf("  Timed out:    %s\n", countString(s.TimedOut, color.FgYellow))
	fmt.Printf("  Canceled:     %s\n", countString(s.Canceled, color.FgYellow))
	fmt.Printf("  Wall time:    %v\n", s.WallTime.Round(time.Millisecond))
	fmt.Printf("  Throughput:   %.1f transfers/s\n", s.Throughput)

	if s.Succeeded > 0 {
		fmt.Println()
		fmt.Println(color.New(color.Bold).Sprint("Latency (successful transfers)"))
		fmt.Printf("  mean %v   median %v   p90 %v   p95 %v   p99 %v\n",
			roundMS(s.Mean), roundMS(s.Median), roundMS(s.P90), roundMS(s.P95), roundMS(s.P99))
		fmt.Printf("  min %v   max %v   stddev %v\n",
			roundMS(s.Min), roundMS(s.Max), roundMS(s.StdDev))
	}

	if len(s.Errors) > 0 {
		fmt.Println()
		fmt.Println(color.New(color.Bold).Sprint("Failure reasons"))
		for _, line := range sortedErrorLines(s.Errors) {
			fmt.Println("  " + line)
		}
	}

	fmt.Println()
	switch {
	case s.Transfers == 0:
		fmt.Println(color.YellowString("⚠️  No transfers started"))
	case s.Failed == 0 && s.TimedOut == 0 && s.Canceled == 0:
		fmt.Println(color.GreenString("✅ All %d transfers completed", s.Transfers))
	case s.Succeeded == 0:
		fmt.Println(color.RedString("❌ No transfer succeeded"))
	default:
		fmt.Println(color.YellowString("⚠️  %d of %d transfers did not complete",
			s.Transfers-s.Succeeded, s.Transfers))
	}
}

func countString(n int64, attr color.Attribute) string {
	if n == 0 {
		return "0"
	}
	return color.New(attr).Sprintf("%d", n)
}

func roundMS(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}

// sortedErrorLines orders failure buckets by count, largest first.
func sortedErrorLines(errs map[string]int64) []string {
	type bucket struct {
		reason string
		count  int64
	}
	buckets := make([]bucket, 0, len(errs))
	for reason, count := range errs {
		buckets = append(buckets, bucket{reason, count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].count != buckets[j].count {
			return buckets[i].count > buckets[j].count
		}
		return buckets[i].reason < buckets[j].reason
	})
	lines := make([]string, len(buckets))
	for i, b := range buckets {
		lines[i] = fmt.Sprintf("%4d × %s", b.count, b.reason)
	}
	return lines
}
