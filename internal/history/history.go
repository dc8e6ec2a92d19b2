// Package history stores depth readings and valve run intervals in InfluxDB.
package history

import (
	"errors"
	"log"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sweeney/irrigation-controller/internal/depth"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

// Measurement names.
const (
	MeasurementDepth    = "water_depth"
	MeasurementValveRun = "valve_run"
)

// DefaultChannel is the ADC channel the depth sensor is wired to.
const DefaultChannel = "2"

// Config locates the InfluxDB bucket.
type Config struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Channel string
}

// PointWriter is the part of the InfluxDB non-blocking write API in use.
type PointWriter interface {
	WritePoint(p *write.Point)
	Flush()
	Errors() <-chan error
}

// Writer queues points on a non-blocking write API. Write errors arrive
// asynchronously and are logged and counted.
type Writer struct {
	api     PointWriter
	channel string
	closeFn func()

	mu      sync.RWMutex
	lastErr time.Time
	errs    int
	done    chan struct{}
}

// Open connects to InfluxDB. The client is closed by Writer.Close.
func Open(cfg Config) (*Writer, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx config incomplete: url, token, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	w := NewWriter(client.WriteAPI(cfg.Org, cfg.Bucket), cfg.Channel)
	w.closeFn = client.Close
	return w, nil
}

// NewWriter wraps api and starts draining its error channel.
func NewWriter(api PointWriter, channel string) *Writer {
	if channel == "" {
		channel = DefaultChannel
	}
	w := &Writer{api: api, channel: channel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for err := range api.Errors() {
			if err == nil {
				continue
			}
			w.mu.Lock()
			w.lastErr = time.Now()
			w.errs++
			w.mu.Unlock()
			log.Printf("history: influx write error: %v", err)
		}
	}()
	return w
}

// DepthPoint builds the water_depth point for r.
func DepthPoint(r depth.Reading, channel string) *write.Point {
	return write.NewPoint(MeasurementDepth,
		map[string]string{"channel": channel},
		map[string]interface{}{"depth": r.Depth, "raw": r.Raw},
		r.Timestamp)
}

// ValveRunPoint builds the valve_run point for a finished interval.
func ValveRunPoint(e valve.Event) *write.Point {
	return write.NewPoint(MeasurementValveRun,
		map[string]string{"valve_id": e.Valve.ID, "valve": e.Valve.Name, "reason": string(e.Reason)},
		map[string]interface{}{"seconds": e.RunTime.Seconds()},
		e.Time)
}

// RecordDepth queues a depth reading.
func (w *Writer) RecordDepth(r depth.Reading) {
	w.api.WritePoint(DepthPoint(r, w.channel))
}

// RecordValve queues the run interval of an off transition. Other events
// and zero-length intervals are ignored.
func (w *Writer) RecordValve(e valve.Event) {
	if e.Valve.State != valve.StateOff || e.RunTime <= 0 {
		return
	}
	w.api.WritePoint(ValveRunPoint(e))
}

// Errors returns how many asynchronous write errors were seen.
func (w *Writer) Errors() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.errs
}

// LastErrorAge is the time since the last write error, or zero if none.
func (w *Writer) LastErrorAge() time.Duration {
	w.mu.RLock()
	t := w.lastErr
	w.mu.RUnlock()
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}

// Close flushes queued points and closes the client if Open created it.
func (w *Writer) Close() {
	w.api.Flush()
	if w.closeFn != nil {
		w.closeFn()
	}
}
