package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hgmo/hgdeploy/internal/deploy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const (
	LabelResult = "result"
	LabelStage  = "stage"
)

const (
	runsName        = "hgdeploy_runs_total"
	stageTimeName   = "hgdeploy_stage_duration_seconds"
	hostsFailedName = "hgdeploy_stage_hosts_failed"
	lastSuccessName = "hgdeploy_last_success_timestamp_seconds"
)

// Recorder turns finished runs into Prometheus metrics on its own registry.
// Every invocation is a new process, so the series are carried over from
// the previous textfile with Restore before the run is observed.
type Recorder struct {
	Registry *prometheus.Registry

	runs          *prometheus.CounterVec
	stageTime     *stageHistogram
	hostsFailed   *prometheus.GaugeVec
	lastSuccess   prometheus.Gauge
	lastSuccessAt float64
}

func NewRecorder() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hgdeploy",
			Name:      "runs_total",
			Help:      "Deployment runs by final state.",
		}, []string{LabelResult}),
		stageTime: newStageHistogram(
			prometheus.NewDesc(stageTimeName, "Duration of executed stages, in seconds.", []string{LabelStage}, nil),
			prometheus.ExponentialBuckets(1, 2, 12), // top bucket ~= 68 minutes
		),
		hostsFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hgdeploy",
			Name:      "stage_hosts_failed",
			Help:      "Number of hosts that failed in the last execution of a stage.",
		}, []string{LabelStage}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hgdeploy",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful deployment.",
		}),
	}
	r.Registry.MustRegister(r.runs, r.stageTime, r.hostsFailed, r.lastSuccess)
	return r
}

// ObserveRun implements deploy.Observer.
func (r *Recorder) ObserveRun(res *deploy.Result) {
	r.runs.WithLabelValues(string(res.State)).Inc()

	for _, s := range res.Stages {
		if s.Report == nil {
			continue
		}
		stage := string(s.Name)
		r.stageTime.Observe(stage, s.Report.Duration.Seconds())
		r.hostsFailed.WithLabelValues(stage).Set(float64(len(s.Report.Failures())))
	}

	if res.State == deploy.StateDone {
		r.setLastSuccess(float64(res.FinishedAt.Unix()))
	}
}

// SeedLastSuccess raises the last success gauge to t unless a later success
// is already known.
func (r *Recorder) SeedLastSuccess(t time.Time) {
	if ts := float64(t.Unix()); ts > r.lastSuccessAt {
		r.setLastSuccess(ts)
	}
}

func (r *Recorder) setLastSuccess(ts float64) {
	r.lastSuccessAt = ts
	r.lastSuccess.Set(ts)
}

// Restore loads the series of a textfile written by an earlier run. A
// missing file is not an error.
func (r *Recorder) Restore(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open metrics textfile: %w", err)
	}
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return fmt.Errorf("failed to parse metrics textfile %s: %w", path, err)
	}

	for _, m := range families[runsName].GetMetric() {
		if result := labelValue(m.GetLabel(), LabelResult); result != "" {
			r.runs.WithLabelValues(result).Add(m.GetCounter().GetValue())
		}
	}
	for _, m := range families[hostsFailedName].GetMetric() {
		if stage := labelValue(m.GetLabel(), LabelStage); stage != "" {
			r.hostsFailed.WithLabelValues(stage).Set(m.GetGauge().GetValue())
		}
	}
	for _, m := range families[lastSuccessName].GetMetric() {
		r.setLastSuccess(m.GetGauge().GetValue())
	}
	for _, m := range families[stageTimeName].GetMetric() {
		stage := labelValue(m.GetLabel(), LabelStage)
		if stage == "" {
			continue
		}
		h := m.GetHistogram()
		cumulative := make(map[float64]uint64, len(h.GetBucket()))
		for _, b := range h.GetBucket() {
			cumulative[b.GetUpperBound()] = b.GetCumulativeCount()
		}
		r.stageTime.restore(stage, h.GetSampleCount(), h.GetSampleSum(), cumulative)
	}
	return nil
}

// WriteTextfile writes the registry in the text exposition format for the
// node exporter textfile collector. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.Registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}

type label interface {
	GetName() string
	GetValue() string
}

func labelValue[L label](labels []L, name string) string {
	for _, l := range labels {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

// stageHistogram is a histogram vector whose state can be restored, which
// prometheus.HistogramVec does not allow.
type stageHistogram struct {
	desc    *prometheus.Desc
	buckets []float64

	mu     sync.Mutex
	series map[string]*histogramSeries
}

type histogramSeries struct {
	count  uint64
	sum    float64
	counts []uint64 // cumulative, one per bucket
}

func newStageHistogram(desc *prometheus.Desc, buckets []float64) *stageHistogram {
	sort.Float64s(buckets)
	return &stageHistogram{desc: desc, buckets: buckets, series: make(map[string]*histogramSeries)}
}

func (h *stageHistogram) get(stage string) *histogramSeries {
	s, ok := h.series[stage]
	if !ok {
		s = &histogramSeries{counts: make([]uint64, len(h.buckets))}
		h.series[stage] = s
	}
	return s
}

func (h *stageHistogram) Observe(stage string, v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(stage)
	s.count++
	s.sum += v
	for i, upper := range h.buckets {
		if v <= upper {
			s.counts[i]++
		}
	}
}

// restore adds a previously exported series. Buckets that no longer exist
// are dropped.
func (h *stageHistogram) restore(stage string, count uint64, sum float64, cumulative map[float64]uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.get(stage)
	s.count += count
	s.sum += sum
	for i, upper := range h.buckets {
		s.counts[i] += cumulative[upper]
	}
}

func (h *stageHistogram) Describe(ch chan<- *prometheus.Desc) {
	ch <- h.desc
}

func (h *stageHistogram) Collect(ch chan<- prometheus.Metric) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for stage, s := range h.series {
		buckets := make(map[float64]uint64, len(h.buckets))
		for i, upper := range h.buckets {
			buckets[upper] = s.counts[i]
		}
		ch <- prometheus.MustNewConstHistogram(h.desc, s.count, s.sum, buckets, stage)
	}
}
