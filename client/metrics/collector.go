package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Record kinds.
const (
	KindConnection = "CONN_NEW"
	KindRetry      = "RETRY"
	KindFrameIn    = "FRAME_IN"
	KindFrameOut   = "FRAME_OUT"
	KindDropped    = "DROPPED"
	KindMalformed  = "MALFORMED"
)

type Record struct {
	Timestamp   time.Time
	Kind        string
	Destination string
	Bytes       int
	Latency     int64 // microseconds, FRAME_OUT only
}

// Collector aggregates transport and room events on a single goroutine.
// All methods are safe on a nil *Collector, which records nothing.
type Collector struct {
	records   chan Record
	Done      chan struct{}
	csvWriter *csv.Writer
	Stats     Statistics

	mu     sync.RWMutex
	closed bool
}

type Statistics struct {
	TotalConnections int
	RetryCount       int
	FramesIn         int
	FramesOut        int
	Dropped          int
	Malformed        int
	BytesIn          int64
	BytesOut         int64
	StartTime        time.Time
	EndTime          time.Time

	Latencies         []int64
	DestinationCounts map[string]int
}

// NewCollector creates a collector. When w is non-nil every record is also
// written to it as CSV.
func NewCollector(w io.Writer) *Collector {
	c := &Collector{
		records: make(chan Record, 10000),
		Done:    make(chan struct{}),
		Stats: Statistics{
			Latencies:         make([]int64, 0),
			DestinationCounts: make(map[string]int),
		},
	}
	if w != nil {
		c.csvWriter = csv.NewWriter(w)
		c.csvWriter.Write([]string{"timestamp", "kind", "destination", "bytes", "latency_us"})
	}
	return c
}

func (c *Collector) Record(r Record) {
	if c == nil {
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.records <- r
}

func (c *Collector) Start() {
	if c == nil {
		return
	}
	c.Stats.StartTime = time.Now()
	go func() {
		for r := range c.records {
			c.apply(r)
			if c.csvWriter != nil {
				c.csvWriter.Write([]string{
					r.Timestamp.Format(time.RFC3339Nano),
					r.Kind,
					r.Destination,
					fmt.Sprintf("%d", r.Bytes),
					fmt.Sprintf("%d", r.Latency),
				})
			}
		}
		if c.csvWriter != nil {
			c.csvWriter.Flush()
		}
		c.Stats.EndTime = time.Now()
		close(c.Done)
	}()
}

func (c *Collector) apply(r Record) {
	switch r.Kind {
	case KindConnection:
		c.Stats.TotalConnections++
	case KindRetry:
		c.Stats.RetryCount++
	case KindFrameIn:
		c.Stats.FramesIn++
		c.Stats.BytesIn += int64(r.Bytes)
		c.Stats.DestinationCounts[r.Destination]++
	case KindFrameOut:
		c.Stats.FramesOut++
		c.Stats.BytesOut += int64(r.Bytes)
		c.Stats.Latencies = append(c.Stats.Latencies, r.Latency)
	case KindDropped:
		c.Stats.Dropped++
	case KindMalformed:
		c.Stats.Malformed++
	}
}

func (c *Collector) RecordConnection() {
	c.Record(Record{Kind: KindConnection})
}

func (c *Collector) RecordRetry() {
	c.Record(Record{Kind: KindRetry})
}

func (c *Collector) RecordFrameIn(destination string, size int) {
	c.Record(Record{Kind: KindFrameIn, Destination: destination, Bytes: size})
}

func (c *Collector) RecordFrameOut(destination string, size int, took time.Duration) {
	c.Record(Record{Kind: KindFrameOut, Destination: destination, Bytes: size, Latency: took.Microseconds()})
}

func (c *Collector) RecordDropped(destination string) {
	c.Record(Record{Kind: KindDropped, Destination: destination})
}

func (c *Collector) RecordMalformed(destination string) {
	c.Record(Record{Kind: KindMalformed, Destination: destination})
}

// Close stops accepting records. Wait on Done before reading Stats.
func (c *Collector) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.records)
}

// CalculatePercentiles returns write latency percentiles in microseconds.
func (c *Collector) CalculatePercentiles() (median, p95, p99 int64) {
	if len(c.Stats.Latencies) == 0 {
		return 0, 0, 0
	}
	sort.Slice(c.Stats.Latencies, func(i, j int) bool {
		return c.Stats.Latencies[i] < c.Stats.Latencies[j]
	})

	n := len(c.Stats.Latencies)
	median = c.Stats.Latencies[n/2]
	p95 = c.Stats.Latencies[int(float64(n)*0.95)]
	p99 = c.Stats.Latencies[int(float64(n)*0.99)]
	return
}

func (c *Collector) PrintSummary(w io.Writer) {
	if c == nil {
		return
	}
	duration := c.Stats.EndTime.Sub(c.Stats.StartTime).Seconds()
	median, p95, p99 := c.CalculatePercentiles()

	fmt.Fprintln(w, "========= Session Summary =========")
	fmt.Fprintf(w, "Duration: %.2f seconds\n", duration)
	fmt.Fprintf(w, "Connections: %d\n", c.Stats.TotalConnections)
	fmt.Fprintf(w, "Reconnect Attempts: %d\n", c.Stats.RetryCount)
	fmt.Fprintf(w, "Frames In: %d (%d bytes)\n", c.Stats.FramesIn, c.Stats.BytesIn)
	fmt.Fprintf(w, "Frames Out: %d (%d bytes)\n", c.Stats.FramesOut, c.Stats.BytesOut)
	fmt.Fprintf(w, "Dropped Publishes: %d\n", c.Stats.Dropped)
	fmt.Fprintf(w, "Malformed Frames: %d\n", c.Stats.Malformed)
	fmt.Fprintf(w, "Write Latency p50/p95/p99: %d/%d/%d us\n", median, p95, p99)

	if len(c.Stats.DestinationCounts) > 0 {
		fmt.Fprintln(w, "\n--- Frames per Destination ---")
		dests := make([]string, 0, len(c.Stats.DestinationCounts))
		for k := range c.Stats.DestinationCounts {
			dests = append(dests, k)
		}
		sort.Strings(dests)
		for _, k := range dests {
			fmt.Fprintf(w, "%s: %d\n", k, c.Stats.DestinationCounts[k])
		}
	}

	fmt.Fprintln(w, "===================================")
}
