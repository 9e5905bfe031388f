package metrics

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// StoreConfig bounds what the Store keeps in memory.
type StoreConfig struct {
	Retention           time.Duration
	SnapshotWindow      time.Duration
	MaxSamplesPerSeries int
}

// Sample is one recorded observation.
type Sample struct {
	At    time.Time
	Value float64
}

type series struct {
	name    string
	tags    map[string]string
	samples []Sample
}

// recent returns at most limit of the newest samples. Record lets a series
// run up to a quarter past the cap before compacting, so readers go through
// here to see exactly the capped window.
func (sr *series) recent(limit int) []Sample {
	if over := len(sr.samples) - limit; over > 0 {
		return sr.samples[over:]
	}
	return sr.samples
}

// trimSlack is how far past limit a series may grow before Record compacts
// it in place.
func trimSlack(limit int) int {
	return max(limit/4, 1)
}

// Bucket summarizes the samples that fall inside one aggregation interval.
type Bucket struct {
	Start  time.Time `json:"start"`
	Count  int       `json:"count"`
	Sum    float64   `json:"sum"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	P50    float64   `json:"p50"`
	P95    float64   `json:"p95"`
	P99    float64   `json:"p99"`
	StdDev float64   `json:"stddev"`
}

// SeriesSnapshot is the rolling view of one series over the snapshot window.
type SeriesSnapshot struct {
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Tags        map[string]string `json:"tags,omitempty"`
	Latest      float64           `json:"latest"`
	Count       int               `json:"count"`
	Avg         float64           `json:"avg"`
	Min         float64           `json:"min"`
	Max         float64           `json:"max"`
	LastUpdated time.Time         `json:"last_updated"`
}

// Store is an in-process time-series store keyed by metric name plus sorted
// tags. Samples older than the retention horizon are dropped by Sweep.
type Store struct {
	mu     sync.RWMutex
	cfg    StoreConfig
	series map[string]*series
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates an empty Store. Zero config fields fall back to 24h
// retention, a 5 minute snapshot window and 10000 samples per series.
func NewStore(cfg StoreConfig, logger *slog.Logger) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.SnapshotWindow <= 0 {
		cfg.SnapshotWindow = 5 * time.Minute
	}
	if cfg.MaxSamplesPerSeries <= 0 {
		cfg.MaxSamplesPerSeries = 10000
	}
	return &Store{
		cfg:    cfg,
		series: make(map[string]*series),
		logger: logger,
		now:    time.Now,
	}
}

// SeriesKey builds the identity of a series: name{k1=v1,k2=v2} with tag
// keys sorted.
func SeriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Record appends a sample at the current time.
func (s *Store) Record(name string, value float64, tags map[string]string) {
	key := SeriesKey(name, tags)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.series[key]
	if !ok {
		copied := make(map[string]string, len(tags))
		for k, v := range tags {
			copied[k] = v
		}
		sr = &series{name: name, tags: copied}
		s.series[key] = sr
		StoreSeries.Set(float64(len(s.series)))
	}
	sr.samples = append(sr.samples, Sample{At: now, Value: value})
	limit := s.cfg.MaxSamplesPerSeries
	if len(sr.samples) > limit+trimSlack(limit) {
		n := copy(sr.samples, sr.samples[len(sr.samples)-limit:])
		sr.samples = sr.samples[:n]
	}
}

// Aggregate groups the samples of every series named name whose tags contain
// all of the given tags into buckets of width interval, ordered by start.
// A non-positive interval yields a single bucket over all samples.
func (s *Store) Aggregate(name string, interval time.Duration, tags map[string]string) []Bucket {
	s.mu.RLock()
	grouped := make(map[int64][]float64)
	var starts []int64
	for _, sr := range s.series {
		if sr.name != name || !matchTags(sr.tags, tags) {
			continue
		}
		for _, smp := range sr.recent(s.cfg.MaxSamplesPerSeries) {
			var start int64
			if interval > 0 {
				start = smp.At.Truncate(interval).UnixNano()
			}
			if _, seen := grouped[start]; !seen {
				starts = append(starts, start)
			}
			grouped[start] = append(grouped[start], smp.Value)
		}
	}
	s.mu.RUnlock()

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	buckets := make([]Bucket, 0, len(starts))
	for _, start := range starts {
		b := summarize(grouped[start])
		if interval > 0 {
			b.Start = time.Unix(0, start).UTC()
		}
		buckets = append(buckets, b)
	}
	return buckets
}

// Snapshot returns the rolling view of every series, sorted by key.
func (s *Store) Snapshot() []SeriesSnapshot {
	cutoff := s.now().Add(-s.cfg.SnapshotWindow)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SeriesSnapshot, 0, len(s.series))
	for key, sr := range s.series {
		samples := sr.recent(s.cfg.MaxSamplesPerSeries)
		if len(samples) == 0 {
			continue
		}
		last := samples[len(samples)-1]
		snap := SeriesSnapshot{
			Key:         key,
			Name:        sr.name,
			Tags:        sr.tags,
			Latest:      last.Value,
			LastUpdated: last.At,
			Min:         math.Inf(1),
			Max:         math.Inf(-1),
		}
		var sum float64
		for i := len(samples) - 1; i >= 0 && !samples[i].At.Before(cutoff); i-- {
			v := samples[i].Value
			sum += v
			snap.Count++
			snap.Min = math.Min(snap.Min, v)
			snap.Max = math.Max(snap.Max, v)
		}
		if snap.Count == 0 {
			snap.Min, snap.Max, snap.Avg = last.Value, last.Value, last.Value
		} else {
			snap.Avg = sum / float64(snap.Count)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Export renders the latest value of every series as Prometheus gauges in
// the text exposition format.
func (s *Store) Export() (string, error) {
	families := make(map[string]*dto.MetricFamily)
	for _, snap := range s.Snapshot() {
		name := sanitizeName(snap.Name)
		mf, ok := families[name]
		if !ok {
			mf = &dto.MetricFamily{
				Name: ptr(name),
				Help: ptr("Latest value of " + snap.Name),
				Type: dto.MetricType_GAUGE.Enum(),
			}
			families[name] = mf
		}
		m := &dto.Metric{Gauge: &dto.Gauge{Value: ptr(snap.Latest)}}
		labelNames := make([]string, 0, len(snap.Tags))
		for k := range snap.Tags {
			labelNames = append(labelNames, k)
		}
		sort.Strings(labelNames)
		for _, k := range labelNames {
			m.Label = append(m.Label, &dto.LabelPair{Name: ptr(sanitizeName(k)), Value: ptr(snap.Tags[k])})
		}
		mf.Metric = append(mf.Metric, m)
	}

	names := make([]string, 0, len(families))
	for n := range families {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, n := range names {
		if _, err := expfmt.MetricFamilyToText(&buf, families[n]); err != nil {
			return "", fmt.Errorf("exporting %s: %w", n, err)
		}
	}
	return buf.String(), nil
}

// Sweep drops samples older than the retention horizon and removes series
// left empty. It returns the number of samples dropped.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, sr := range s.series {
		idx := sort.Search(len(sr.samples), func(i int) bool { return !sr.samples[i].At.Before(cutoff) })
		if idx == 0 {
			continue
		}
		dropped += idx
		if idx == len(sr.samples) {
			delete(s.series, key)
			continue
		}
		sr.samples = append(sr.samples[:0:0], sr.samples[idx:]...)
	}
	StoreSeries.Set(float64(len(s.series)))
	if dropped > 0 {
		s.logger.Debug("metrics retention sweep", "dropped_samples", dropped, "series", len(s.series))
	}
	return dropped
}

// SeriesCount returns the number of retained series.
func (s *Store) SeriesCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

func matchTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func summarize(values []float64) Bucket {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	b := Bucket{Count: len(sorted), Min: sorted[0], Max: sorted[len(sorted)-1]}
	for _, v := range sorted {
		b.Sum += v
	}
	b.Avg = b.Sum / float64(b.Count)

	var sq float64
	for _, v := range sorted {
		sq += (v - b.Avg) * (v - b.Avg)
	}
	b.StdDev = math.Sqrt(sq / float64(b.Count))

	b.P50 = percentile(sorted, 50)
	b.P95 = percentile(sorted, 95)
	b.P99 = percentile(sorted, 99)
	return b
}

// percentile picks the nearest-rank element: index ceil(p/100*n)-1 of the
// ascending values.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func sanitizeName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func ptr[T any](v T) *T { return &v }
