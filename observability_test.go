package cloudname

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/suyash-sneo/cloudname/internal/fakestore"
)

// countingMeter wraps a noop meter and counts instrument creation per name.
type countingMeter struct {
	metric.Meter

	mu      sync.Mutex
	created map[string]int
	fail    map[string]error
}

func newCountingMeter() *countingMeter {
	return &countingMeter{
		Meter:   noop.NewMeterProvider().Meter("test"),
		created: map[string]int{},
		fail:    map[string]error{},
	}
}

func (m *countingMeter) note(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[name]; err != nil {
		return err
	}
	m.created[name]++
	return nil
}

func (m *countingMeter) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created[name]
}

func (m *countingMeter) Float64Counter(name string, opts ...metric.Float64CounterOption) (metric.Float64Counter, error) {
	if err := m.note(name); err != nil {
		return nil, err
	}
	return m.Meter.Float64Counter(name, opts...)
}

func (m *countingMeter) Float64Gauge(name string, opts ...metric.Float64GaugeOption) (metric.Float64Gauge, error) {
	if err := m.note(name); err != nil {
		return nil, err
	}
	return m.Meter.Float64Gauge(name, opts...)
}

func (m *countingMeter) Float64Histogram(name string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	if err := m.note(name); err != nil {
		return nil, err
	}
	return m.Meter.Float64Histogram(name, opts...)
}

func TestOtelMetricsCachesInstruments(t *testing.T) {
	meter := newCountingMeter()
	meter.fail["broken"] = errors.New("boom")
	m := NewOtelMetrics(meter)

	m.IncCounter("claims", 1, Label{Name: "event", Value: "OK"})
	m.IncCounter("claims", 2)
	m.SetGauge("connected", 1)
	m.SetGauge("connected", 0)
	m.ObserveHistogram("wait", 0.5)
	m.IncCounter("broken", 1)

	assert.Equal(t, 1, meter.count("claims"))
	assert.Equal(t, 1, meter.count("connected"))
	assert.Equal(t, 1, meter.count("wait"))
	assert.Equal(t, 0, meter.count("broken"))
	assert.Equal(t, NopMetrics(), NewOtelMetrics(nil))
}

func TestClientReportsThroughAdapters(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	meter := newCountingMeter()
	store := fakestore.New()
	c := newTestClient(t, store,
		WithLogger(NewZapLogger(zap.New(core))),
		WithMetrics(NewOtelMetrics(meter)),
	)
	co := MustCoordinate(1, "webapp", "ops", "us-east")
	h := createAndClaim(t, c, co)
	l, err := h.Lock(LockScopeService, "leader")
	require.NoError(t, err)
	ok, err := l.TryLock(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, meter.count("cloudname_connected"))
	assert.Equal(t, 1, meter.count("cloudname_claims_total"))
	assert.Equal(t, 1, meter.count("cloudname_lock_wait_seconds"))

	claimed := logs.FilterMessage("coordinate claimed").All()
	require.Len(t, claimed, 1)
	assert.Equal(t, co.String(), claimed[0].ContextMap()["coordinate"])
	assert.NotZero(t, logs.FilterMessage("connected to coordination store").Len())
}

func TestZapLoggerErrorsAreNamed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLogger(zap.New(core))
	log.Warn("write failed", errField(errors.New("disk full")), Field{Key: "attempt", Value: 2})

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "disk full", fields["err"])
	assert.EqualValues(t, 2, fields["attempt"])
	assert.Equal(t, NopLogger(), NewZapLogger(nil))
}
