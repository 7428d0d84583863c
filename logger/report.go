package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsLocator  int64
	errorsSampler  int64
	warnsLocator   int64
	warnsSampler   int64
	rpcProbes      int64
	snapshotReads  int64
	anchorHits     int64
	s3Uploads      int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "locator") || strings.Contains(component, "chain") {
		atomic.AddInt64(&warnsLocator, 1)
	} else if strings.Contains(component, "sampler") || strings.Contains(component, "writer") {
		atomic.AddInt64(&warnsSampler, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "locator") || strings.Contains(component, "chain") {
		atomic.AddInt64(&errorsLocator, 1)
	} else if strings.Contains(component, "sampler") || strings.Contains(component, "writer") {
		atomic.AddInt64(&errorsSampler, 1)
	}
}

// IncrementProbe counts one block-timestamp lookup against the node.
func IncrementProbe(size int) {
	atomic.AddInt64(&rpcProbes, 1)
	recordChannel("timestamp_probe", size)
}

// IncrementSnapshotRead counts one per-subnet state fetch.
func IncrementSnapshotRead(size int) {
	atomic.AddInt64(&snapshotReads, 1)
	recordChannel("snapshot_rpc", size)
}

// IncrementAnchorHit counts a midnight anchor served from the cache.
func IncrementAnchorHit() {
	atomic.AddInt64(&anchorHits, 1)
}

// IncrementS3Upload counts one day file uploaded to object storage.
func IncrementS3Upload(size int64) {
	atomic.AddInt64(&s3Uploads, 1)
	recordChannel("s3_day_upload", int(size))
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and run statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_locator": atomic.LoadInt64(&errorsLocator),
		"errors_sampler": atomic.LoadInt64(&errorsSampler),
		"warns_locator":  atomic.LoadInt64(&warnsLocator),
		"warns_sampler":  atomic.LoadInt64(&warnsSampler),
		"rpc_probes":     atomic.LoadInt64(&rpcProbes),
		"snapshot_reads": atomic.LoadInt64(&snapshotReads),
		"anchor_hits":    atomic.LoadInt64(&anchorHits),
		"s3_uploads":     atomic.LoadInt64(&s3Uploads),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-ErrorsLocator"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_locator"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-ErrorsSampler"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_sampler"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-WarnsLocator"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_locator"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-WarnsSampler"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_sampler"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-RPCProbes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rpc_probes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-SnapshotReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["snapshot_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-AnchorHits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["anchor_hits"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-S3Uploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_uploads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Alphaflow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Alphaflow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Alphaflow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
