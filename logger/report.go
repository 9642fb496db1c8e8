package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// feedStat counts traffic for one exchange feed.
type feedStat struct {
	frames     int64
	bytes      int64
	reconnects int64
}

var (
	warns sync.Map // component -> *int64
	errs  sync.Map // component -> *int64
	feeds sync.Map // exchange -> *feedStat
)

func recordWarn(component string) {
	incr(&warns, component)
}

func recordError(component string) {
	incr(&errs, component)
}

func incr(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func feed(exchange string) *feedStat {
	v, _ := feeds.LoadOrStore(exchange, &feedStat{})
	return v.(*feedStat)
}

// RecordFrame counts one inbound frame of size bytes for an exchange feed.
func RecordFrame(exchange string, size int) {
	fs := feed(exchange)
	atomic.AddInt64(&fs.frames, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

// IncrementReconnect counts a scheduled reconnect for an exchange feed.
func IncrementReconnect(exchange string) {
	atomic.AddInt64(&feed(exchange).reconnects, 1)
}

// ReportSnapshot is the counter state included in each runtime report.
type ReportSnapshot struct {
	Warns  map[string]int64            `json:"warns"`
	Errors map[string]int64            `json:"errors"`
	Feeds  map[string]map[string]int64 `json:"feeds"`
}

// Snapshot returns the current counters.
func Snapshot() ReportSnapshot {
	snap := ReportSnapshot{
		Warns:  collect(&warns),
		Errors: collect(&errs),
		Feeds:  map[string]map[string]int64{},
	}
	feeds.Range(func(k, v any) bool {
		fs := v.(*feedStat)
		snap.Feeds[k.(string)] = map[string]int64{
			"frames":     atomic.LoadInt64(&fs.frames),
			"bytes":      atomic.LoadInt64(&fs.bytes),
			"reconnects": atomic.LoadInt64(&fs.reconnects),
		}
		return true
	})
	return snap
}

func collect(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport logs host and feed statistics every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if nc, err := gnet.IOCounters(false); err == nil && len(nc) > 0 {
		bytesSent = nc[0].BytesSent
		bytesRecv = nc[0].BytesRecv
	}

	snap := Snapshot()
	log.WithComponent("report").WithFields(Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"warns":          snap.Warns,
		"errors":         snap.Errors,
		"feeds":          snap.Feeds,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("host.cpu_percent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("host.memory_mb"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("host.net_bytes_recv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}

	exchanges := make([]string, 0, len(snap.Feeds))
	for ex := range snap.Feeds {
		exchanges = append(exchanges, ex)
	}
	sort.Strings(exchanges)
	for _, ex := range exchanges {
		stats := snap.Feeds[ex]
		dims := []cwtypes.Dimension{{Name: aws.String("exchange"), Value: aws.String(ex)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("feed.frames"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["frames"]))},
			cwtypes.MetricDatum{MetricName: aws.String("feed.bytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
			cwtypes.MetricDatum{MetricName: aws.String("feed.reconnects"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["reconnects"]))},
		)
	}

	var totalErrors int64
	for _, n := range snap.Errors {
		totalErrors += n
	}
	data = append(data, cwtypes.MetricDatum{MetricName: aws.String("feed.errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(totalErrors))})

	publishMetrics(ctx, data)
}
