// Package telemetry provides OpenTelemetry integration for the application.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mergebot/mergebot/pkg/logger"
)

const (
	// MeterName is the default meter name for the application
	MeterName = "github.com/mergebot/mergebot"
)

// Metrics holds all application metrics
type Metrics struct {
	// Work item metrics
	WorkItemsTotal   metric.Int64Counter
	WorkItemDuration metric.Float64Histogram
	ActiveWorkItems  metric.Int64UpDownCounter
	WorkItemRetries  metric.Int64Counter
	WorkItemFailures metric.Int64Counter

	// Command metrics
	CommandsTotal    metric.Int64Counter
	CommandsRejected metric.Int64Counter

	// Integration metrics
	IntegrationsTotal    metric.Int64Counter
	IntegrationDuration  metric.Float64Histogram
	IntegrationRecovered metric.Int64Counter

	// Forge metrics
	ForgeCallsTotal   metric.Int64Counter
	ForgeCallDuration metric.Float64Histogram

	// Git metrics
	GitFetchTotal    metric.Int64Counter
	GitFetchDuration metric.Float64Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the global metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		var err error
		globalMetrics, err = initMetrics()
		if err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			// Return empty metrics to avoid nil pointer
			globalMetrics = &Metrics{}
		}
	})
	return globalMetrics
}

// initMetrics initializes all application metrics
func initMetrics() (*Metrics, error) {
	meter := otel.Meter(MeterName)
	m := &Metrics{}

	var err error

	m.WorkItemsTotal, err = meter.Int64Counter(
		"mergebot_work_items_total",
		metric.WithDescription("Total number of scheduled work items"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkItemDuration, err = meter.Float64Histogram(
		"mergebot_work_item_duration_seconds",
		metric.WithDescription("Duration of work item executions in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkItems, err = meter.Int64UpDownCounter(
		"mergebot_active_work_items",
		metric.WithDescription("Number of currently running work items"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkItemRetries, err = meter.Int64Counter(
		"mergebot_work_item_retries_total",
		metric.WithDescription("Total number of work item retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkItemFailures, err = meter.Int64Counter(
		"mergebot_work_item_failures_total",
		metric.WithDescription("Total number of work items that exhausted their retry budget"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsTotal, err = meter.Int64Counter(
		"mergebot_commands_total",
		metric.WithDescription("Total number of processed command invocations"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsRejected, err = meter.Int64Counter(
		"mergebot_commands_rejected_total",
		metric.WithDescription("Total number of rejected command invocations"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	m.IntegrationsTotal, err = meter.Int64Counter(
		"mergebot_integrations_total",
		metric.WithDescription("Total number of integration attempts"),
		metric.WithUnit("{integration}"),
	)
	if err != nil {
		return nil, err
	}

	m.IntegrationDuration, err = meter.Float64Histogram(
		"mergebot_integration_duration_seconds",
		metric.WithDescription("Duration of integration attempts in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	m.IntegrationRecovered, err = meter.Int64Counter(
		"mergebot_integrations_recovered_total",
		metric.WithDescription("Total number of integrations finalized by crash recovery"),
		metric.WithUnit("{integration}"),
	)
	if err != nil {
		return nil, err
	}

	m.ForgeCallsTotal, err = meter.Int64Counter(
		"mergebot_forge_calls_total",
		metric.WithDescription("Total number of forge API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.ForgeCallDuration, err = meter.Float64Histogram(
		"mergebot_forge_call_duration_seconds",
		metric.WithDescription("Duration of forge API calls in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.GitFetchTotal, err = meter.Int64Counter(
		"mergebot_git_fetch_total",
		metric.WithDescription("Total number of git fetch operations against seed storage"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, err
	}

	m.GitFetchDuration, err = meter.Float64Histogram(
		"mergebot_git_fetch_duration_seconds",
		metric.WithDescription("Duration of git fetch operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("Metrics initialized successfully")
	return m, nil
}

// RecordWorkItemStarted records that a work item has started
func (m *Metrics) RecordWorkItemStarted(ctx context.Context, kind string) {
	if m.WorkItemsTotal != nil {
		m.WorkItemsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
	if m.ActiveWorkItems != nil {
		m.ActiveWorkItems.Add(ctx, 1)
	}
}

// RecordWorkItemCompleted records that a work item has completed
func (m *Metrics) RecordWorkItemCompleted(ctx context.Context, kind, outcome string, durationSeconds float64) {
	if m.ActiveWorkItems != nil {
		m.ActiveWorkItems.Add(ctx, -1)
	}
	if m.WorkItemDuration != nil {
		m.WorkItemDuration.Record(ctx, durationSeconds,
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("outcome", outcome),
			),
		)
	}
}

// RecordWorkItemRetry records a work item retry
func (m *Metrics) RecordWorkItemRetry(ctx context.Context, kind string) {
	if m.WorkItemRetries != nil {
		m.WorkItemRetries.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordWorkItemFailure records a work item that exhausted its retry budget
func (m *Metrics) RecordWorkItemFailure(ctx context.Context, kind string) {
	if m.WorkItemFailures != nil {
		m.WorkItemFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordCommand records a processed command invocation
func (m *Metrics) RecordCommand(ctx context.Context, name string, rejected bool) {
	if m.CommandsTotal != nil {
		m.CommandsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("command", name)),
		)
	}
	if rejected && m.CommandsRejected != nil {
		m.CommandsRejected.Add(ctx, 1,
			metric.WithAttributes(attribute.String("command", name)),
		)
	}
}

// RecordIntegration records an integration attempt
func (m *Metrics) RecordIntegration(ctx context.Context, outcome string, durationSeconds float64) {
	if m.IntegrationsTotal != nil {
		m.IntegrationsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
	if m.IntegrationDuration != nil {
		m.IntegrationDuration.Record(ctx, durationSeconds,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// RecordIntegrationRecovered records an integration finalized by crash recovery
func (m *Metrics) RecordIntegrationRecovered(ctx context.Context) {
	if m.IntegrationRecovered != nil {
		m.IntegrationRecovered.Add(ctx, 1)
	}
}

// RecordForgeCall records a forge API call
func (m *Metrics) RecordForgeCall(ctx context.Context, operation string, success bool, durationSeconds float64) {
	if m.ForgeCallsTotal != nil {
		m.ForgeCallsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.Bool("success", success),
			),
		)
	}
	if m.ForgeCallDuration != nil {
		m.ForgeCallDuration.Record(ctx, durationSeconds,
			metric.WithAttributes(attribute.String("operation", operation)),
		)
	}
}

// RecordGitFetch records a git fetch against seed storage
func (m *Metrics) RecordGitFetch(ctx context.Context, success bool, durationSeconds float64) {
	if m.GitFetchTotal != nil {
		m.GitFetchTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool("success", success)),
		)
	}
	if m.GitFetchDuration != nil {
		m.GitFetchDuration.Record(ctx, durationSeconds,
			metric.WithAttributes(attribute.Bool("success", success)),
		)
	}
}
