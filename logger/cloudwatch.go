package logger

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// metricPublisher is the subset of the CloudWatch client we call.
type metricPublisher interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

var (
	cwMu        sync.RWMutex
	cwClient    metricPublisher
	cwNamespace = "MarketFlow"
	cwDashboard = "MarketFlow"
)

// dimensionKeys are the metric fields promoted to CloudWatch dimensions.
var dimensionKeys = []string{"exchange", "market", "reason"}

// InitCloudWatch creates the CloudWatch client. An empty region falls back to
// AWS_REGION. When the AWS configuration cannot be loaded publishing stays
// disabled and a warning is logged.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	setPublisher(cloudwatch.NewFromConfig(cfg), namespace, dashboard)
	log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

func setPublisher(client metricPublisher, namespace, dashboard string) {
	cwMu.Lock()
	defer cwMu.Unlock()
	cwClient = client
	if namespace != "" {
		cwNamespace = namespace
	}
	if dashboard != "" {
		cwDashboard = dashboard
	}
}

func publisher() (metricPublisher, string, string) {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwClient, cwNamespace, cwDashboard
}

// PublishMetric queues a numeric value for CloudWatch. The metric name is
// prefixed with the component and string fields listed in dimensionKeys
// become dimensions. Values with the same name and dimensions are folded into
// one statistic set until the next flush, so callers on hot paths never wait
// on the network. It is a no-op until InitCloudWatch succeeded.
func PublishMetric(component, metric string, value float64, fields Fields) {
	if metric == "" {
		return
	}
	if client, _, _ := publisher(); client == nil {
		return
	}
	name := metric
	if component != "" {
		name = component + "." + metric
	}
	pendingMetrics.add(name, dimensions(fields), value)
}

// FlushMetrics sends every queued value in as few requests as possible.
func FlushMetrics(ctx context.Context) {
	data := pendingMetrics.drain()
	if len(data) == 0 {
		return
	}
	start := time.Now()
	total := len(data)
	for len(data) > 0 {
		n := min(len(data), maxDatumsPerRequest)
		publishMetrics(ctx, data[:n])
		data = data[n:]
	}
	LogPerformanceEntry(GetLogger().WithFields(nil), "cloudwatch", "flush_metrics", time.Since(start), Fields{"datums": total})
}

// RunCloudWatch flushes queued metrics every interval until ctx is done,
// then flushes once more.
func RunCloudWatch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func(parent context.Context) {
		flushCtx, cancel := context.WithTimeout(parent, flushTimeout)
		defer cancel()
		FlushMetrics(flushCtx)
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return
		case <-ticker.C:
			flush(ctx)
		}
	}
}

const (
	maxDatumsPerRequest  = 1000
	defaultFlushInterval = time.Minute
	flushTimeout         = 10 * time.Second
)

type aggregate struct {
	name                 string
	dims                 []cwtypes.Dimension
	count, sum, min, max float64
}

// metricBuffer folds queued values per name and dimension set.
type metricBuffer struct {
	mu      sync.Mutex
	pending map[string]*aggregate
}

var pendingMetrics = &metricBuffer{pending: make(map[string]*aggregate)}

func (b *metricBuffer) add(name string, dims []cwtypes.Dimension, value float64) {
	key := name
	for _, d := range dims {
		key += "|" + aws.ToString(d.Name) + "=" + aws.ToString(d.Value)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.pending[key]
	if !ok {
		b.pending[key] = &aggregate{name: name, dims: dims, count: 1, sum: value, min: value, max: value}
		return
	}
	a.count++
	a.sum += value
	a.min = min(a.min, value)
	a.max = max(a.max, value)
}

func (b *metricBuffer) drain() []cwtypes.MetricDatum {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]*aggregate)
	b.mu.Unlock()

	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := make([]cwtypes.MetricDatum, 0, len(batch))
	for _, k := range keys {
		a := batch[k]
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(a.name),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: a.dims,
			StatisticValues: &cwtypes.StatisticSet{
				SampleCount: aws.Float64(a.count),
				Sum:         aws.Float64(a.sum),
				Minimum:     aws.Float64(a.min),
				Maximum:     aws.Float64(a.max),
			},
		})
	}
	return data
}

func dimensions(fields Fields) []cwtypes.Dimension {
	var dims []cwtypes.Dimension
	for _, key := range dimensionKeys {
		v, ok := fields[key].(string)
		if !ok || v == "" {
			continue
		}
		dims = append(dims, cwtypes.Dimension{Name: aws.String(key), Value: aws.String(v)})
	}
	return dims
}

func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	client, namespace, _ := publisher()
	if client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	sort.Strings(names)
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard puts a dashboard with host and feed widgets.
// Failures are logged and otherwise ignored.
func CreateDefaultDashboard(ctx context.Context) {
	client, namespace, dashboard := publisher()
	if client == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","host.cpu_percent"],
    ["%[1]s","host.memory_mb"]
],
"period": 60,
"stat": "Average",
"title": "MarketFlow Host"
}
},{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","feed.frames"],
    ["%[1]s","feed.reconnects"],
    ["%[1]s","feed.errors"]
],
"period": 60,
"stat": "Sum",
"title": "MarketFlow Feeds"
}
}]
}`, namespace)

	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
