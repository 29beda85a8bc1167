package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCounterKeepsTypeLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorderWithRegistry(reg)

	rec.IncCounter("settle_failed", map[string]string{
		"type":   "insufficient_funds",
		"chain":  "84532",
		"scheme": "escrow",
	})
	rec.IncCounter("settle_ok", map[string]string{
		"type":   "settled",
		"chain":  "84532",
		"scheme": "exact",
	})
	rec.ObserveLatency("settle", 15*time.Millisecond, map[string]string{
		"chain":  "84532",
		"scheme": "exact",
	})

	families, err := reg.Gather()
	require.NoError(t, err)

	labelSets := make(map[string]map[string]string)
	for _, mf := range families {
		if mf.GetName() != "x402escrow_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, p := range m.GetLabel() {
				labels[p.GetName()] = p.GetValue()
			}
			labelSets[labels["event"]] = labels
			assert.Equal(t, float64(1), m.GetCounter().GetValue())
		}
	}

	require.Len(t, labelSets, 2)
	// The counter name and the caller's classification land on separate
	// labels instead of one overwriting the other.
	assert.Equal(t, "insufficient_funds", labelSets["settle_failed"]["type"])
	assert.Equal(t, "escrow", labelSets["settle_failed"]["scheme"])
	assert.Equal(t, "settled", labelSets["settle_ok"]["type"])
	assert.Equal(t, "84532", labelSets["settle_ok"]["chain"])
}
