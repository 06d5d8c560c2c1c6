package protocol

import (
	"fmt"

	"github.com/usnistgov/iqstream/regs"
)

// Status is the status word returned to the host.
type Status uint32

// Host-facing status words.
const (
	StatusOK       Status = 0
	StatusNotReady Status = 1 // admission refused; retry after a delay
	StatusError    Status = 2 // the request can never succeed as issued
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotReady:
		return "NotReady"
	case StatusError:
		return "Error"
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// flags returns the header flags that report s.
func (s Status) flags() Flags {
	switch s {
	case StatusNotReady:
		return FlagNotReady
	case StatusError:
		return FlagIQError
	}
	return 0
}

// Result tells the dispatch layer what a handler did with the request.
type Result int

// Handler results.
const (
	ResponseSent Result = iota // the reply is already on the wire
	NoResponse                 // nothing to send
	NotReady                   // refused; a not-ready reply was sent and the host should retry
)

var resultNames = [...]string{"ResponseSent", "NoResponse", "NotReady"}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Sender transmits one reply packet made of a header and an optional body.
// The handlers never retain either slice after Send returns.
type Sender interface {
	Send(header, body []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(header, body []byte) error

// Send calls f(header, body).
func (f SenderFunc) Send(header, body []byte) error { return f(header, body) }

// SnapshotWords is the number of words in an encoded not-ready snapshot.
const SnapshotWords = 6

// EncodeSnapshot returns the not-ready diagnostic body for channel ch: the
// status and control registers, the TX and RX lengths, and the channel's TX
// and RX cursors. A host divides the cursor distance by the sample rate to
// pick its retry delay.
func EncodeSnapshot(s regs.Snapshot, ch int) []byte {
	var tx, rx uint32
	if ch >= 0 && ch < regs.NumChannels {
		tx, rx = s.TxPosition[ch], s.RxPosition[ch]
	}
	return AppendWords(make([]byte, 0, SnapshotWords*WordBytes),
		uint32(s.Status), uint32(s.Control), s.TxLength, s.RxLength, tx, rx)
}
