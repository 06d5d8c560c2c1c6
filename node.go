// Package iqstream is the IQ streaming node: it moves wideband sample streams
// between the radio's staging memory and bulk memory, and serves the host's
// Read-IQ and Write-IQ requests against the same buffers.
//
// All pipeline state belongs to one main loop (Node.Run). Interrupts from the
// board, dispatch commands from the network and control calls from RPC are
// all delivered to that loop, which runs each to completion in turn.
package iqstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/iqstream/dma"
	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/internal/sessiondb"
	"github.com/usnistgov/iqstream/memory"
	"github.com/usnistgov/iqstream/protocol"
	"github.com/usnistgov/iqstream/regs"
	"github.com/usnistgov/iqstream/stream"
)

// ErrStopped is returned by Do once the main loop has exited.
var ErrStopped = errors.New("iqstream: node main loop is not running")

// statusInterval is how often Run publishes a STATUS update.
const statusInterval = 2 * time.Second

// Recorder stores finished Write-IQ sessions and hardware faults.
// *sessiondb.Connection implements it.
type Recorder interface {
	RecordSession(*sessiondb.SessionMessage)
	RecordFault(*sessiondb.FaultMessage)
}

// Node is one IQ streaming node bound to a board.
type Node struct {
	cfg       Config
	board     Board
	geo       *geometry.Map
	ctl       regs.ControlView
	req       regs.Request
	engine    *dma.Engine
	drain     *stream.Drain
	refill    *stream.Refill
	writer    *protocol.Writer
	reader    *protocol.Reader
	telemetry *Telemetry
	handlers  map[CommandID]handler

	activityID string
	session    *session
	updates    chan<- ClientUpdate
	recorder   Recorder

	control chan func()
	done    chan struct{}
	logger  *log.Logger
}

// NewNode configures the buffer geometry on board and builds the pipeline.
// Geometry errors are fatal to the node.
func NewNode(cfg Config, board Board) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bulk := cfg.BulkMemory && board.BulkPresent()
	geo, err := geometry.Configure(cfg.Platform(), bulk, cfg.ChunkThreshold, board.Registers().Control())
	if err != nil {
		return nil, err
	}
	if err := board.Attach(geo); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		board:      board,
		geo:        geo,
		ctl:        board.Registers().Control(),
		req:        board.Registers().Request(),
		telemetry:  NewTelemetry(DefaultTelemetryWindow),
		activityID: ulid.Make().String(),
		control:    make(chan func()),
		done:       make(chan struct{}),
		logger:     ProblemLogger,
	}
	n.engine = dma.NewEngine(board.DMA(), geo.Alignment())
	n.engine.Logger = n.logger

	n.drain = stream.NewDrain(geo, board.Registers().Interrupt(), n.engine)
	n.drain.Logger = n.logger
	n.drain.Observe = n.telemetry.ObserveDrain
	n.refill = stream.NewRefill(geo, board.Registers().Interrupt(), n.engine)
	n.refill.Logger = n.logger
	n.refill.Observe = n.telemetry.ObserveRefill

	n.writer = protocol.NewWriter(geo, n.req, board.Memory(), n.engine)
	n.writer.MaxActiveTx = cfg.MaxActiveTx
	n.writer.SmallWriteSamples = cfg.SmallWriteSamples
	n.writer.Logger = n.logger
	n.writer.Observe = n.onWrite
	n.reader = protocol.NewReader(geo, n.req, board.Memory(), cfg.HeaderPool)
	n.reader.Logger = n.logger
	n.reader.MaxPacketSamples = (MaxDatagramBytes - protocol.HeaderBytes) / protocol.WordBytes

	n.handlers = n.commandTable()
	tx, rx := geo.SupportedLength()
	UpdateLogger.Printf("node %s: bulk memory %t, wired %v, supported length tx=%d rx=%d samples, threshold %d bytes",
		n.activityID, bulk, geo.Wired(), tx, rx, geo.Threshold())
	return n, nil
}

// SetUpdates sends status, session and fault updates to ch. Sends never
// block the main loop for long: ch should be drained continuously.
func (n *Node) SetUpdates(ch chan<- ClientUpdate) { n.updates = ch }

// SetRecorder records sessions and faults with r.
func (n *Node) SetRecorder(r Recorder) { n.recorder = r }

// ActivityID identifies this run of the node.
func (n *Node) ActivityID() string { return n.activityID }

// Activity returns the activity record for this run of the node.
func (n *Node) Activity() *sessiondb.ActivityMessage {
	host, err := os.Hostname()
	if err != nil {
		host = "host not detected"
	}
	return &sessiondb.ActivityMessage{
		ID:        n.activityID,
		Hostname:  host,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     StartTime,
	}
}

// Geometry returns the boot-time buffer geometry.
func (n *Node) Geometry() *geometry.Map { return n.geo }

func (n *Node) publish(tag string, message interface{}) {
	if n.updates != nil {
		n.updates <- ClientUpdate{tag: tag, message: message}
	}
}

// Run is the main loop. It delivers requests, control calls and board
// interrupts until ctx is done, then returns ctx.Err().
func (n *Node) Run(ctx context.Context, requests <-chan Request) error {
	defer close(n.done)
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-requests:
			res := n.Dispatch(r.Command, r.Reply)
			if r.Done != nil {
				r.Done <- res
			}
		case fn := <-n.control:
			fn()
		case <-ticker.C:
			n.Tick()
		case <-statusTicker.C:
			n.publish("STATUS", n.Status())
		}
	}
}

// Do runs fn on the main loop and waits for it to finish.
func (n *Node) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case n.control <- wrapped:
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Tick advances the board by one step and services the interrupts it raised.
func (n *Node) Tick() {
	n.service(n.board.Step())
}

func (n *Node) service(irq regs.IRQ) {
	if irq&regs.IRQRx != 0 {
		if n.drain.HandleInterrupt() == stream.DrainOverflow {
			n.fault("RX overflow")
		}
	}
	if irq&regs.IRQTx != 0 {
		if n.refill.HandleInterrupt() == stream.RefillUnderflow {
			n.fault("TX underflow")
		}
	}
}

func (n *Node) fault(kind string) {
	msg := &sessiondb.FaultMessage{
		ActivityID: n.activityID,
		Kind:       kind,
		Status:     uint32(n.req.Status()),
		Time:       time.Now(),
	}
	n.publish("FAULT", msg)
	if n.recorder != nil {
		n.recorder.RecordFault(msg)
	}
}

// NodeStatus is the full state report returned by the Status RPC and
// published on the status port.
type NodeStatus struct {
	Registers     regs.Snapshot
	BulkMemory    bool
	Wired         regs.ChannelMask
	SupportedTx   uint32 // samples
	SupportedRx   uint32 // samples
	Checksum      uint32
	DrainState    string
	RefillState   string
	Drain         stream.DrainStats
	Refill        stream.RefillStats
	Writes        protocol.WriteStats
	Reads         protocol.ReadStats
	DMA           dma.Stats
	Telemetry     TelemetrySummary
	ActiveSession string
}

// Status reports the node state. Main loop only.
func (n *Node) Status() NodeStatus {
	tx, rx := n.geo.SupportedLength()
	s := NodeStatus{
		Registers:   n.req.Snapshot(),
		BulkMemory:  n.geo.BulkPresent(),
		Wired:       n.geo.Wired(),
		SupportedTx: tx,
		SupportedRx: rx,
		Checksum:    n.writer.Checksum(),
		DrainState:  n.drain.State().String(),
		RefillState: n.refill.State().String(),
		Drain:       n.drain.Stats(),
		Refill:      n.refill.Stats(),
		Writes:      n.writer.Stats(),
		Reads:       n.reader.Stats(),
		DMA:         n.engine.Stats(),
		Telemetry:   n.telemetry.Summary(),
	}
	if n.session != nil {
		s.ActiveSession = n.session.id.String()
	}
	return s
}

// SetLengths sets the TX and RX lengths, in samples, clamping each to the
// supported length. It returns the lengths in effect. Main loop only.
func (n *Node) SetLengths(txSamples, rxSamples uint32) (tx, rx uint32, clamped bool) {
	txBytes, txClamped := n.geo.LengthBytes(geometry.TxIQ, txSamples)
	rxBytes, rxClamped := n.geo.LengthBytes(geometry.RxIQ, rxSamples)
	if txClamped || rxClamped {
		maxTx, maxRx := n.geo.SupportedLength()
		n.logger.Printf("length request tx=%d rx=%d samples clamped to supported tx=%d rx=%d",
			txSamples, rxSamples, maxTx, maxRx)
	}
	n.ctl.SetLengths(txBytes, rxBytes)
	UpdateLogger.Printf("lengths set to tx=%d rx=%d bytes", txBytes, rxBytes)
	return txBytes / geometry.WordBytes, rxBytes / geometry.WordBytes, txClamped || rxClamped
}

// Lengths returns the TX and RX lengths in samples.
func (n *Node) Lengths() (tx, rx uint32) {
	txBytes, rxBytes := n.ctl.Lengths()
	return txBytes / geometry.WordBytes, rxBytes / geometry.WordBytes
}

// RxLength returns the configured RX capture length in samples, the window
// an AGC resets on.
func (n *Node) RxLength() uint32 {
	_, rx := n.Lengths()
	return rx
}

// EnableBuffers replaces the TX and RX enable masks. Masks naming unwired
// channels are rejected and change nothing. Main loop only.
func (n *Node) EnableBuffers(tx, rx regs.ChannelMask) error {
	if bad := (tx | rx) &^ n.geo.Wired(); bad != 0 {
		return fmt.Errorf("channels %v are not wired (wired %v)", bad, n.geo.Wired())
	}
	n.ctl.SetEnables(rx, tx)
	UpdateLogger.Printf("buffers enabled: tx %v rx %v", tx, rx)
	return nil
}

// Enabled returns the TX and RX enable masks.
func (n *Node) Enabled() (tx, rx regs.ChannelMask) {
	c := n.ctl.Control()
	return c.TxEnabled(), c.RxEnabled()
}

// SetContinuous selects continuous-transmit mode. Main loop only.
func (n *Node) SetContinuous(on bool) {
	n.ctl.SetContinuous(on)
	UpdateLogger.Printf("continuous transmit %t", on)
}

// ClearErrors pulses the write-1-to-clear register with bits. Main loop only.
func (n *Node) ClearErrors(bits regs.Status) {
	n.ctl.ClearErrors(bits)
}

// Checksum returns the running Write-IQ checksum.
func (n *Node) Checksum() uint32 { return n.writer.Checksum() }

// Dump returns count sample words of the kind buffer of channel ch, starting
// at sample start, in host order. Main loop only.
func (n *Node) Dump(ch int, kind geometry.Kind, start, count uint32) ([]uint32, error) {
	if ch < 0 || ch >= regs.NumChannels || !n.geo.Wired().Has(ch) {
		return nil, fmt.Errorf("channel %d is not wired", ch)
	}
	buf := n.geo.Buffer(ch, kind)
	if buf.Capacity == 0 {
		return nil, fmt.Errorf("channel %c has no %v buffer", 'A'+ch, kind)
	}
	if uint64(start)+uint64(count) > uint64(buf.Words()) {
		return nil, fmt.Errorf("samples [%d, %d) outside the %d-sample %v buffer",
			start, uint64(start)+uint64(count), buf.Words(), kind)
	}
	raw, err := n.board.Memory().Slice(buf.Base+memory.Addr(start)*geometry.WordBytes, int(count)*geometry.WordBytes)
	if err != nil {
		return nil, err
	}
	return protocol.Words(raw), nil
}
