package matching

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_match_drops_total",
		Help: "Candidates dropped during match filtering, by reason.",
	}, []string{"reason"})

	matchScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carpool_match_scores",
		Help:    "Distribution of final match scores (lower is better).",
		Buckets: prometheus.LinearBuckets(0, 0.1, 12),
	})

	matchRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carpool_match_runs_total",
		Help: "Number of match engine invocations.",
	})
)

// Stats is a snapshot of matcher telemetry for the admin view.
type Stats struct {
	Runs            int64            `json:"runs"`
	Candidates      int64            `json:"candidates"`
	Matches         int64            `json:"matches"`
	DropsByReason   map[string]int64 `json:"drops_by_reason"`
	ScoreSum        float64          `json:"-"`
	AvgScore        float64          `json:"avg_score"`
	BestScore       float64          `json:"best_score"`
	WorstScore      float64          `json:"worst_score"`
}

// StatsCollector accumulates drop reasons and score distributions across
// engine runs. Safe for concurrent use.
type StatsCollector struct {
	mu    sync.Mutex
	stats Stats
}

// NewStatsCollector creates an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{stats: Stats{DropsByReason: make(map[string]int64)}}
}

func (c *StatsCollector) recordRun(candidates int) {
	matchRunsTotal.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Runs++
	c.stats.Candidates += int64(candidates)
}

func (c *StatsCollector) recordDrop(reason string) {
	matchDropsTotal.WithLabelValues(reason).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.DropsByReason[reason]++
}

func (c *StatsCollector) recordScore(score float64) {
	matchScores.Observe(score)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stats.Matches == 0 || score < c.stats.BestScore {
		c.stats.BestScore = score
	}
	if c.stats.Matches == 0 || score > c.stats.WorstScore {
		c.stats.WorstScore = score
	}
	c.stats.Matches++
	c.stats.ScoreSum += score
}

// Snapshot returns a copy of the accumulated stats.
func (c *StatsCollector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.stats
	out.DropsByReason = make(map[string]int64, len(c.stats.DropsByReason))
	for reason, count := range c.stats.DropsByReason {
		out.DropsByReason[reason] = count
	}
	if out.Matches > 0 {
		out.AvgScore = out.ScoreSum / float64(out.Matches)
	}
	return out
}
