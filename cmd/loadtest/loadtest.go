package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config describes one load test.
type Config struct {
	Name                string
	NumWorkers          int
	Duration            time.Duration
	QPS                 int
	BaselineFile        string
	RegressionThreshold float64
}

// Results summarises a load test.
type Results struct {
	Name          string        `json:"name"`
	TotalRequests int64         `json:"total_requests"`
	Errors        int64         `json:"errors"`
	Duration      time.Duration `json:"duration"`
	Throughput    float64       `json:"throughput_rps"`
	ErrorRate     float64       `json:"error_rate"`
	P50           time.Duration `json:"p50"`
	P95           time.Duration `json:"p95"`
	P99           time.Duration `json:"p99"`
	Max           time.Duration `json:"max"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Regression compares a run against its baseline.
type Regression struct {
	Baseline              *Results
	Current               *Results
	P95ChangePercent      float64
	ThroughputChange      float64
	ErrorRateChange       float64
	SignificantRegression bool
	Reasons               []string
}

// Run drives op from cfg.NumWorkers goroutines, each paced to cfg.QPS, until
// cfg.Duration elapses.
func Run(cfg Config, op func(i int) error, logger *logrus.Logger) (*Results, error) {
	if cfg.NumWorkers <= 0 || cfg.QPS <= 0 || cfg.Duration <= 0 {
		return nil, fmt.Errorf("workers, qps and duration must be positive")
	}

	var (
		mu        sync.Mutex
		latencies []time.Duration
		total     int64
		errs      int64
		wg        sync.WaitGroup
	)
	deadline := time.Now().Add(cfg.Duration)
	interval := time.Second / time.Duration(cfg.QPS)
	start := time.Now()

	for w := 0; w < cfg.NumWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			local := make([]time.Duration, 0, int(cfg.Duration/interval)+1)
			for i := worker; time.Now().Before(deadline); i += cfg.NumWorkers {
				<-ticker.C
				t0 := time.Now()
				err := op(i)
				local = append(local, time.Since(t0))
				atomic.AddInt64(&total, 1)
				if err != nil {
					atomic.AddInt64(&errs, 1)
					logger.WithError(err).WithField("worker", worker).Debug("Request failed")
				}
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	return summarise(cfg.Name, latencies, total, errs, elapsed), nil
}

func summarise(name string, latencies []time.Duration, total, errs int64, elapsed time.Duration) *Results {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	r := &Results{
		Name:          name,
		TotalRequests: total,
		Errors:        errs,
		Duration:      elapsed,
		P50:           percentile(latencies, 50),
		P95:           percentile(latencies, 95),
		P99:           percentile(latencies, 99),
		Timestamp:     time.Now().UTC(),
	}
	if len(latencies) > 0 {
		r.Max = latencies[len(latencies)-1]
	}
	if elapsed > 0 {
		r.Throughput = float64(total) / elapsed.Seconds()
	}
	if total > 0 {
		r.ErrorRate = float64(errs) / float64(total)
	}
	return r
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// SaveBaseline writes results as the new baseline.
func SaveBaseline(r *Results, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// AnalyzeRegression compares r with the baseline stored at path. A missing
// baseline returns an os.IsNotExist error.
func AnalyzeRegression(r *Results, path string, threshold float64) (*Regression, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var baseline Results
	if err := json.Unmarshal(data, &baseline); err != nil {
		return nil, fmt.Errorf("invalid baseline %s: %w", path, err)
	}

	reg := &Regression{
		Baseline:         &baseline,
		Current:          r,
		P95ChangePercent: percentChange(float64(baseline.P95), float64(r.P95)),
		ThroughputChange: percentChange(baseline.Throughput, r.Throughput),
		ErrorRateChange:  (r.ErrorRate - baseline.ErrorRate) * 100,
	}
	if reg.P95ChangePercent > threshold {
		reg.Reasons = append(reg.Reasons, fmt.Sprintf("p95 latency up %.1f%%", reg.P95ChangePercent))
	}
	if -reg.ThroughputChange > threshold {
		reg.Reasons = append(reg.Reasons, fmt.Sprintf("throughput down %.1f%%", -reg.ThroughputChange))
	}
	if reg.ErrorRateChange > 1 {
		reg.Reasons = append(reg.Reasons, fmt.Sprintf("error rate up %.2f points", reg.ErrorRateChange))
	}
	reg.SignificantRegression = len(reg.Reasons) > 0
	return reg, nil
}

func percentChange(before, after float64) float64 {
	if before == 0 {
		return 0
	}
	return (after - before) / before * 100
}

// PrintResults prints a human readable summary.
func PrintResults(r *Results) {
	fmt.Printf("Requests:   %d (%d errors, %.2f%%)\n", r.TotalRequests, r.Errors, r.ErrorRate*100)
	fmt.Printf("Throughput: %.1f req/s over %v\n", r.Throughput, r.Duration.Round(time.Millisecond))
	fmt.Printf("Latency:    p50=%v p95=%v p99=%v max=%v\n", r.P50, r.P95, r.P99, r.Max)
}

// PrintRegression prints the comparison with the baseline.
func PrintRegression(reg *Regression) {
	fmt.Printf("vs baseline from %s: p95 %+.1f%%, throughput %+.1f%%, error rate %+.2f points\n",
		reg.Baseline.Timestamp.Format(time.RFC3339), reg.P95ChangePercent, reg.ThroughputChange, reg.ErrorRateChange)
	for _, reason := range reg.Reasons {
		fmt.Printf("  regression: %s\n", reason)
	}
}
