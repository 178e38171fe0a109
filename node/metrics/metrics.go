// Package metrics defines the node's runtime metrics, recorded through
// the global OpenTelemetry meter provider. Subsystems use the package
// level collector vars so tests can swap in capturing implementations.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// NodeMetrics is the set of metrics recorded by the runtime core.
type NodeMetrics interface {
	SyncHeight(ctx context.Context, height int64)
	PipelineStage(ctx context.Context, stage string, blocks int64)
	PipelineUnwind(ctx context.Context, from, to int64)
	EngineDirective(ctx context.Context, kind, status string)
	ExExDelivered(ctx context.Context, name string, height int64)
	PrunedEntries(ctx context.Context, segment string, entries int64)
	PeerCount(ctx context.Context, numPeers int)
}

// Node is the package-level collector used by subsystems.
var Node NodeMetrics = &nodeMetrics{}

type nodeMetrics struct {
	once sync.Once

	syncHeight     metric.Int64Gauge
	stageBlocks    metric.Int64Counter
	unwinds        metric.Int64Counter
	directives     metric.Int64Counter
	exexDelivered  metric.Int64Counter
	prunedEntries  metric.Int64Counter
	peerCount      metric.Int64Gauge
}

func (m *nodeMetrics) init() {
	m.once.Do(func() {
		meter := otel.Meter("quarry.node")
		m.syncHeight, _ = meter.Int64Gauge("quarry.sync.height",
			metric.WithDescription("Pipeline checkpoint height"))
		m.stageBlocks, _ = meter.Int64Counter("quarry.pipeline.stage.blocks",
			metric.WithDescription("Blocks processed per pipeline stage"))
		m.unwinds, _ = meter.Int64Counter("quarry.pipeline.unwinds",
			metric.WithDescription("Pipeline unwind operations"))
		m.directives, _ = meter.Int64Counter("quarry.engine.directives",
			metric.WithDescription("Consensus engine directives by kind and status"))
		m.exexDelivered, _ = meter.Int64Counter("quarry.exex.delivered",
			metric.WithDescription("Notifications delivered to execution extensions"))
		m.prunedEntries, _ = meter.Int64Counter("quarry.pruner.entries",
			metric.WithDescription("Entries deleted by the pruner per segment"))
		m.peerCount, _ = meter.Int64Gauge("quarry.p2p.peers",
			metric.WithDescription("Connected peer count"))
	})
}

func (m *nodeMetrics) SyncHeight(ctx context.Context, height int64) {
	m.init()
	m.syncHeight.Record(ctx, height)
}

func (m *nodeMetrics) PipelineStage(ctx context.Context, stage string, blocks int64) {
	m.init()
	m.stageBlocks.Add(ctx, blocks, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *nodeMetrics) PipelineUnwind(ctx context.Context, from, to int64) {
	m.init()
	m.unwinds.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("from", from), attribute.Int64("to", to)))
}

func (m *nodeMetrics) EngineDirective(ctx context.Context, kind, status string) {
	m.init()
	m.directives.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("status", status)))
}

func (m *nodeMetrics) ExExDelivered(ctx context.Context, name string, height int64) {
	m.init()
	m.exexDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("exex", name)))
}

func (m *nodeMetrics) PrunedEntries(ctx context.Context, segment string, entries int64) {
	m.init()
	m.prunedEntries.Add(ctx, entries, metric.WithAttributes(attribute.String("segment", segment)))
}

func (m *nodeMetrics) PeerCount(ctx context.Context, numPeers int) {
	m.init()
	m.peerCount.Record(ctx, int64(numPeers))
}

var installOnce sync.Once

// Install wires the global meter provider to a prometheus exporter
// backed by the given registry, tagged with the chain and node name.
// Safe to call more than once; only the first call takes effect.
func Install(reg *prometheus.Registry, chainName, nodeName string) error {
	var err error
	installOnce.Do(func() {
		var exporter *otelprom.Exporter
		exporter, err = otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			err = fmt.Errorf("create prometheus exporter: %w", err)
			return
		}
		res := resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(nodeName),
			attribute.String("chain", chainName),
		)
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(provider)
	})
	return err
}
