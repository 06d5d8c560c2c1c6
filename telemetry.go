package iqstream

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultTelemetryWindow is how many recent transfers each summary covers.
const DefaultTelemetryWindow = 256

// TransferSummary describes the recent transfer sizes of one state machine,
// in bytes per channel.
type TransferSummary struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// TelemetrySummary is the transfer-size summary of both state machines.
type TelemetrySummary struct {
	Drain  TransferSummary
	Refill TransferSummary
}

// window is a fixed-size ring of recent samples.
type window struct {
	values []float64
	next   int
	full   bool
}

func newWindow(n int) *window {
	return &window{values: make([]float64, n)}
}

func (w *window) add(v float64) {
	w.values[w.next] = v
	w.next++
	if w.next == len(w.values) {
		w.next, w.full = 0, true
	}
}

func (w *window) samples() []float64 {
	if w.full {
		return w.values
	}
	return w.values[:w.next]
}

func (w *window) summary() TransferSummary {
	x := w.samples()
	if len(x) == 0 {
		return TransferSummary{}
	}
	mean, std := stat.MeanStdDev(x, nil)
	if len(x) == 1 {
		std = 0
	}
	return TransferSummary{
		Count:  len(x),
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(x),
		Max:    floats.Max(x),
	}
}

// Telemetry keeps running statistics of the drain and refill transfer sizes.
// Like the state machines it feeds on, it belongs to the main loop.
type Telemetry struct {
	drain  *window
	refill *window
}

// NewTelemetry returns statistics over the last n transfers of each kind.
func NewTelemetry(n int) *Telemetry {
	if n < 1 {
		n = DefaultTelemetryWindow
	}
	return &Telemetry{drain: newWindow(n), refill: newWindow(n)}
}

// ObserveDrain records one RX drain of n bytes.
func (t *Telemetry) ObserveDrain(n uint32) { t.drain.add(float64(n)) }

// ObserveRefill records one TX refill of n bytes.
func (t *Telemetry) ObserveRefill(n uint32) { t.refill.add(float64(n)) }

// Summary returns the current statistics.
func (t *Telemetry) Summary() TelemetrySummary {
	return TelemetrySummary{Drain: t.drain.summary(), Refill: t.refill.summary()}
}
