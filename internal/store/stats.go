package store

import (
	"time"

	"github.com/opsmend/opsmend/internal/incident"
)

// statsWindowDays is the trailing window for daily counts.
const statsWindowDays = 7

// computeStats aggregates a snapshot of incidents. Mean resolution time is
// computed over completed and failed incidents with valid timestamps; the
// success ratio over all resolved (completed, failed, rejected) incidents.
func computeStats(incidents []*incident.Incident, now time.Time) *Stats {
	stats := &Stats{
		Total:        len(incidents),
		StatusCounts: make(map[incident.Status]int),
		DailyCounts:  make(map[string]int, statsWindowDays),
	}

	for i := 0; i < statsWindowDays; i++ {
		day := now.AddDate(0, 0, -i).UTC().Format("2006-01-02")
		stats.DailyCounts[day] = 0
	}

	var mttrSum float64
	var mttrCount int
	var completed int

	for _, inc := range incidents {
		stats.StatusCounts[inc.Status]++

		if !inc.CreatedAt.IsZero() {
			day := inc.CreatedAt.UTC().Format("2006-01-02")
			if _, ok := stats.DailyCounts[day]; ok {
				stats.DailyCounts[day]++
			}
		}

		switch inc.Status {
		case incident.StatusCompleted, incident.StatusFailed:
			if !inc.CreatedAt.IsZero() && !inc.UpdatedAt.IsZero() {
				if diff := inc.UpdatedAt.Sub(inc.CreatedAt).Seconds(); diff > 0 {
					mttrSum += diff
					mttrCount++
				}
			}
		}

		if inc.Status.Resolved() {
			stats.TotalResolved++
		}
		if inc.Status == incident.StatusCompleted {
			completed++
		}
	}

	if mttrCount > 0 {
		stats.AvgMTTRSecs = mttrSum / float64(mttrCount)
	}
	if stats.TotalResolved > 0 {
		stats.SuccessRate = float64(completed) / float64(stats.TotalResolved) * 100
	}
	return stats
}
