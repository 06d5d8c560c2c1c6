package regs

// Hardware is the radio core's view of the register block. Only the radio
// (real or simulated) advances positions, sample counters and the RX drain
// write cursor, and only it raises status bits.
type Hardware struct{ f *File }

// Status reads the status register.
func (h Hardware) Status() Status { return Status(h.f.status.Load()) }

// Control reads the control register.
func (h Hardware) Control() Control { return Control(h.f.control.Load()) }

// SetStatus raises the given status bits.
func (h Hardware) SetStatus(b Status) { h.f.status.Modify(0, uint32(b)) }

// ClearStatus lowers the given status bits.
func (h Hardware) ClearStatus(b Status) { h.f.status.Modify(uint32(b), 0) }

// SetRunning replaces the RX and TX running bits.
func (h Hardware) SetRunning(rx, tx ChannelMask) {
	clear := uint32(AllChannels)<<statusRxShift | uint32(AllChannels)<<statusTxShift
	set := uint32(rx&AllChannels)<<statusRxShift | uint32(tx&AllChannels)<<statusTxShift
	h.f.status.Modify(clear, set)
}

// SetTxPosition moves channel ch's TX read cursor.
func (h Hardware) SetTxPosition(ch int, v uint32) { channelReg(&h.f.txPosition, ch).Store(v) }

// SetRxPosition moves channel ch's RX write cursor.
func (h Hardware) SetRxPosition(ch int, v uint32) { channelReg(&h.f.rxPosition, ch).Store(v) }

// TxPosition reads channel ch's TX read cursor.
func (h Hardware) TxPosition(ch int) uint32 { return channelReg(&h.f.txPosition, ch).Load() }

// RxPosition reads channel ch's RX write cursor.
func (h Hardware) RxPosition(ch int) uint32 { return channelReg(&h.f.rxPosition, ch).Load() }

// AddRxSampleCount advances channel ch's RX sample counter.
func (h Hardware) AddRxSampleCount(ch int, n uint32) {
	r := channelReg(&h.f.rxCount, ch)
	r.Store(r.Load() + n)
}

// RxDrainCursors reads the RX drain read and write cursors.
func (h Hardware) RxDrainCursors() (read, write uint32) {
	return h.f.rxDrainRead.Load(), h.f.rxDrainWrt.Load()
}

// SetRxDrainWrite moves the RX drain write cursor.
func (h Hardware) SetRxDrainWrite(v uint32) { h.f.rxDrainWrt.Store(v) }

// TxRefillWrite reads the TX refill write cursor.
func (h Hardware) TxRefillWrite() uint32 { return h.f.txRefill.Load() }

// Threshold reads the chunk threshold.
func (h Hardware) Threshold() uint32 { return h.f.threshold.Load() }

// Lengths reads the configured TX and RX lengths in bytes.
func (h Hardware) Lengths() (tx, rx uint32) { return h.f.txLength.Load(), h.f.rxLength.Load() }

// Interrupt is the view handed to the RX drain and TX refill handlers.
type Interrupt struct{ f *File }

// Status reads the status register.
func (i Interrupt) Status() Status { return Status(i.f.status.Load()) }

// Control reads the control register.
func (i Interrupt) Control() Control { return Control(i.f.control.Load()) }

// Threshold reads the chunk threshold.
func (i Interrupt) Threshold() uint32 { return i.f.threshold.Load() }

// RxLength reads the configured RX length in bytes.
func (i Interrupt) RxLength() uint32 { return i.f.rxLength.Load() }

// TxLength reads the configured TX length in bytes.
func (i Interrupt) TxLength() uint32 { return i.f.txLength.Load() }

// RxDrainCursors reads the RX drain read and write cursors.
func (i Interrupt) RxDrainCursors() (read, write uint32) {
	return i.f.rxDrainRead.Load(), i.f.rxDrainWrt.Load()
}

// SetRxDrainRead advances the RX drain read cursor.
func (i Interrupt) SetRxDrainRead(v uint32) { i.f.rxDrainRead.Store(v) }

// ResetRxDrain zeroes both RX drain cursors.
func (i Interrupt) ResetRxDrain() {
	i.f.rxDrainRead.Store(0)
	i.f.rxDrainWrt.Store(0)
}

// TxRefillWrite reads the TX refill write cursor.
func (i Interrupt) TxRefillWrite() uint32 { return i.f.txRefill.Load() }

// SetTxRefillWrite moves the TX refill write cursor.
func (i Interrupt) SetTxRefillWrite(v uint32) { i.f.txRefill.Store(v) }

// AckWriteDone clears the write-done bit through the write-1-to-clear register.
func (i Interrupt) AckWriteDone() { i.f.status.Modify(uint32(WriteDone), 0) }

// Request is the read-only view handed to protocol handlers. Every call is a
// fresh read; callers must not cache the result across a memory access.
type Request struct{ f *File }

// Status reads the status register.
func (r Request) Status() Status { return Status(r.f.status.Load()) }

// Control reads the control register.
func (r Request) Control() Control { return Control(r.f.control.Load()) }

// Threshold reads the chunk threshold.
func (r Request) Threshold() uint32 { return r.f.threshold.Load() }

// Lengths reads the configured TX and RX lengths in bytes.
func (r Request) Lengths() (tx, rx uint32) { return r.f.txLength.Load(), r.f.rxLength.Load() }

// TxPosition reads channel ch's TX read cursor.
func (r Request) TxPosition(ch int) uint32 { return channelReg(&r.f.txPosition, ch).Load() }

// RxPosition reads channel ch's RX write cursor.
func (r Request) RxPosition(ch int) uint32 { return channelReg(&r.f.rxPosition, ch).Load() }

// RxSampleCount reads channel ch's RX sample counter.
func (r Request) RxSampleCount(ch int) uint32 { return channelReg(&r.f.rxCount, ch).Load() }

// Snapshot copies the whole register block.
func (r Request) Snapshot() Snapshot { return r.f.snapshot() }

// ControlView is the view used by boot code and configuration commands.
type ControlView struct{ f *File }

// Control reads the control register.
func (c ControlView) Control() Control { return Control(c.f.control.Load()) }

// SetEnables replaces the RX and TX buffer enable masks.
func (c ControlView) SetEnables(rx, tx ChannelMask) {
	clear := uint32(AllChannels)<<controlRxShift | uint32(AllChannels)<<controlTxShift
	set := uint32(rx&AllChannels)<<controlRxShift | uint32(tx&AllChannels)<<controlTxShift
	c.f.control.Modify(clear, set)
}

// SetContinuous selects or deselects continuous-transmit mode. The status
// register mirrors the bit.
func (c ControlView) SetContinuous(on bool) {
	if on {
		c.f.control.Modify(0, controlContinuous)
		c.f.status.Modify(0, uint32(ContinuousTx))
	} else {
		c.f.control.Modify(controlContinuous, 0)
		c.f.status.Modify(uint32(ContinuousTx), 0)
	}
}

// SetThreshold programs the chunk threshold in bytes.
func (c ControlView) SetThreshold(v uint32) { c.f.threshold.Store(v) }

// Threshold reads the chunk threshold.
func (c ControlView) Threshold() uint32 { return c.f.threshold.Load() }

// SetLengths programs the TX and RX buffer lengths in bytes.
func (c ControlView) SetLengths(tx, rx uint32) {
	c.f.txLength.Store(tx)
	c.f.rxLength.Store(rx)
}

// Lengths reads the configured TX and RX lengths in bytes.
func (c ControlView) Lengths() (tx, rx uint32) { return c.f.txLength.Load(), c.f.rxLength.Load() }

// ClearErrors pulses the write-1-to-clear register. Bits outside
// ClearableBits are ignored, as on the hardware.
func (c ControlView) ClearErrors(b Status) {
	c.f.status.Modify(uint32(b&ClearableBits), 0)
}

// Status reads the status register.
func (c ControlView) Status() Status { return Status(c.f.status.Load()) }
