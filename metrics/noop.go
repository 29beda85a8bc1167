package metrics

import "time"

// NopRecorder discards all observations.
type NopRecorder struct{}

// NewNopRecorder returns a recorder that discards everything.
func NewNopRecorder() Recorder { return NopRecorder{} }

func (NopRecorder) IncCounter(string, map[string]string)                    {}
func (NopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
