package metrics

import (
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

var (
	storage  tstorage.Storage
	counters = make(map[string]int64)
	mu       sync.RWMutex
)

// InitMetrics opens the time series store under <workdir>/data/metrics.
func InitMetrics(workdir string) error {
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(path.Join(workdir, "data", "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7*24*time.Hour),
	)
	if err != nil {
		return err
	}
	mu.Lock()
	storage = s
	mu.Unlock()
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}

func toLabels(kv []string) []tstorage.Label {
	labels := make([]tstorage.Label, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		labels = append(labels, tstorage.Label{Name: kv[i], Value: kv[i+1]})
	}
	return labels
}

func counterKey(name string, kv []string) string {
	if len(kv) == 0 {
		return name
	}
	return name + "{" + strings.Join(kv, ",") + "}"
}

func insert(name string, value float64, kv []string) {
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{{
		Metric:    name,
		Labels:    toLabels(kv),
		DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: value},
	}})
}

// SetGauge records the current value of a gauge.
func SetGauge(name string, value int64, labelPairs ...string) {
	mu.Lock()
	defer mu.Unlock()
	counters[counterKey(name, labelPairs)] = value
	insert(name, float64(value), labelPairs)
}

// Incr bumps a counter and records its running total.
func Incr(name string, labelPairs ...string) {
	mu.Lock()
	defer mu.Unlock()
	key := counterKey(name, labelPairs)
	counters[key]++
	insert(name, float64(counters[key]), labelPairs)
}

// Value returns the last value written for a gauge or counter.
func Value(name string, labelPairs ...string) int64 {
	mu.RLock()
	defer mu.RUnlock()
	return counters[counterKey(name, labelPairs)]
}

// Snapshot returns every known counter key with its value, sorted by key.
func Snapshot() map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = counters[k]
	}
	return out
}

// Query returns the stored points of a metric since the given time.
func Query(name string, since time.Time, labelPairs ...string) ([]*tstorage.DataPoint, error) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return nil, nil
	}
	points, err := storage.Select(name, toLabels(labelPairs), since.Unix(), time.Now().Unix()+1)
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return nil, nil
	}
	return points, err
}
