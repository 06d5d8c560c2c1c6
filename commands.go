package iqstream

import (
	"fmt"

	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/protocol"
	"github.com/usnistgov/iqstream/regs"
)

// CommandID selects a handler in the node's dispatch table.
type CommandID uint8

// Dispatch commands.
const (
	CmdWriteIQ         CommandID = 0x01
	CmdReadIQ          CommandID = 0x02
	CmdReadRSSI        CommandID = 0x03
	CmdTxRxLength      CommandID = 0x04
	CmdBufferEnable    CommandID = 0x05
	CmdContinuousTx    CommandID = 0x06
	CmdStatus          CommandID = 0x07
	CmdClearErrors     CommandID = 0x08
	CmdChecksum        CommandID = 0x09
	CmdSupportedLength CommandID = 0x0a
)

var commandNames = map[CommandID]string{
	CmdWriteIQ:         "WriteIQ",
	CmdReadIQ:          "ReadIQ",
	CmdReadRSSI:        "ReadRSSI",
	CmdTxRxLength:      "TxRxLength",
	CmdBufferEnable:    "BufferEnable",
	CmdContinuousTx:    "ContinuousTx",
	CmdStatus:          "Status",
	CmdClearErrors:     "ClearErrors",
	CmdChecksum:        "Checksum",
	CmdSupportedLength: "SupportedLength",
}

func (c CommandID) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Command(0x%02x)", uint8(c))
}

// ControlHeaderWords is the size of the header on every reply that is not a
// sample packet: the command id and the status word.
const ControlHeaderWords = 2

// Command is one decoded dispatch request. Args are the big-endian argument
// words following the command id; the node does not retain them.
type Command struct {
	ID   CommandID
	Args []byte
}

// Request is a Command delivered to the main loop along with where to send
// the replies. If Done is not nil the dispatch result is sent on it.
type Request struct {
	Command
	Reply protocol.Sender
	Done  chan<- protocol.Result
}

type handler func(args []byte, out protocol.Sender) protocol.Result

func (n *Node) commandTable() map[CommandID]handler {
	return map[CommandID]handler{
		CmdWriteIQ: n.writer.Handle,
		CmdReadIQ: func(args []byte, out protocol.Sender) protocol.Result {
			return n.reader.Handle(geometry.RxIQ, args, out)
		},
		CmdReadRSSI: func(args []byte, out protocol.Sender) protocol.Result {
			return n.reader.Handle(geometry.RSSI, args, out)
		},
		CmdTxRxLength:      n.handleLength,
		CmdBufferEnable:    n.handleEnable,
		CmdContinuousTx:    n.handleContinuous,
		CmdStatus:          n.handleStatus,
		CmdClearErrors:     n.handleClearErrors,
		CmdChecksum:        n.handleChecksum,
		CmdSupportedLength: n.handleSupportedLength,
	}
}

// Dispatch runs one command to completion. Main loop only.
func (n *Node) Dispatch(cmd Command, out protocol.Sender) protocol.Result {
	h, ok := n.handlers[cmd.ID]
	if !ok {
		n.logger.Printf("unknown command %v with %d argument bytes", cmd.ID, len(cmd.Args))
		return n.controlReply(out, cmd.ID, protocol.StatusError)
	}
	return h(cmd.Args, out)
}

// controlReply sends the reply to a control command: the command id and
// status as a header, and the result words as the body.
func (n *Node) controlReply(out protocol.Sender, id CommandID, status protocol.Status, words ...uint32) protocol.Result {
	header := protocol.AppendWords(nil, uint32(id), uint32(status))
	if err := out.Send(header, protocol.AppendWords(nil, words...)); err != nil {
		n.logger.Printf("reply to %v: %v", id, err)
		return protocol.NoResponse
	}
	return protocol.ResponseSent
}

// handleLength sets the TX and RX lengths when given [tx, rx] in samples,
// and replies with the lengths in effect.
func (n *Node) handleLength(args []byte, out protocol.Sender) protocol.Result {
	words := protocol.Words(args)
	switch len(words) {
	case 0:
	case 2:
		n.SetLengths(words[0], words[1])
	default:
		n.logger.Printf("%v takes 0 or 2 argument words, got %d", CmdTxRxLength, len(words))
		tx, rx := n.Lengths()
		return n.controlReply(out, CmdTxRxLength, protocol.StatusError, tx, rx)
	}
	tx, rx := n.Lengths()
	return n.controlReply(out, CmdTxRxLength, protocol.StatusOK, tx, rx)
}

// handleEnable sets the enable masks when given [txMask, rxMask] and replies
// with the masks in effect.
func (n *Node) handleEnable(args []byte, out protocol.Sender) protocol.Result {
	words := protocol.Words(args)
	status := protocol.StatusOK
	switch len(words) {
	case 0:
	case 2:
		if words[0] > uint32(regs.AllChannels) || words[1] > uint32(regs.AllChannels) {
			n.logger.Printf("%v masks 0x%x 0x%x out of range", CmdBufferEnable, words[0], words[1])
			status = protocol.StatusError
			break
		}
		if err := n.EnableBuffers(regs.ChannelMask(words[0]), regs.ChannelMask(words[1])); err != nil {
			n.logger.Printf("%v: %v", CmdBufferEnable, err)
			status = protocol.StatusError
		}
	default:
		status = protocol.StatusError
	}
	tx, rx := n.Enabled()
	return n.controlReply(out, CmdBufferEnable, status, uint32(tx), uint32(rx))
}

func (n *Node) handleContinuous(args []byte, out protocol.Sender) protocol.Result {
	if words := protocol.Words(args); len(words) > 0 {
		n.SetContinuous(words[0] != 0)
	}
	var on uint32
	if n.ctl.Control().Continuous() {
		on = 1
	}
	return n.controlReply(out, CmdContinuousTx, protocol.StatusOK, on)
}

// StatusReplyWords is the number of words in the Status command reply body.
const StatusReplyWords = 8 + 2*regs.NumChannels

// handleStatus replies with the register snapshot: status, control,
// threshold, TX and RX lengths, the drain and refill cursors, then the TX
// and RX positions of every channel.
func (n *Node) handleStatus(args []byte, out protocol.Sender) protocol.Result {
	s := n.req.Snapshot()
	words := make([]uint32, 0, StatusReplyWords)
	words = append(words, uint32(s.Status), uint32(s.Control), s.Threshold, s.TxLength, s.RxLength,
		s.RxDrainRead, s.RxDrainWrite, s.TxRefill)
	words = append(words, s.TxPosition[:]...)
	words = append(words, s.RxPosition[:]...)
	return n.controlReply(out, CmdStatus, protocol.StatusOK, words...)
}

// handleClearErrors pulses the write-1-to-clear register with the given
// bits, or with every clearable bit. It sends no reply.
func (n *Node) handleClearErrors(args []byte, out protocol.Sender) protocol.Result {
	bits := regs.ClearableBits
	if words := protocol.Words(args); len(words) > 0 {
		bits = regs.Status(words[0])
	}
	n.ClearErrors(bits)
	return protocol.NoResponse
}

func (n *Node) handleChecksum(args []byte, out protocol.Sender) protocol.Result {
	return n.controlReply(out, CmdChecksum, protocol.StatusOK, n.Checksum())
}

func (n *Node) handleSupportedLength(args []byte, out protocol.Sender) protocol.Result {
	tx, rx := n.geo.SupportedLength()
	return n.controlReply(out, CmdSupportedLength, protocol.StatusOK, tx, rx)
}
