package iqstream

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/iqstream/internal/sessiondb"
	"github.com/usnistgov/iqstream/protocol"
	"github.com/usnistgov/iqstream/regs"
)

// session follows one multi-packet Write-IQ sequence: it opens on the packet
// that resets the checksum and closes on the packet flagged as the last write.
type session struct {
	id       ulid.ULID
	channels regs.ChannelMask
	packets  uint64
	samples  uint64
	start    time.Time
}

// onWrite is the Writer's observer. Refused packets do not count.
func (n *Node) onWrite(ev protocol.WriteEvent) {
	if ev.Status != protocol.StatusOK {
		return
	}
	if ev.Header.Flags.Has(protocol.FlagChecksumReset) || n.session == nil {
		if n.session != nil {
			n.logger.Printf("write session %s abandoned after %d packets", n.session.id, n.session.packets)
		}
		n.session = &session{id: ulid.Make(), start: time.Now()}
	}
	s := n.session
	s.channels |= ev.Header.Selector.Mask()
	s.packets++
	s.samples += uint64(ev.Stored)
	if ev.Header.Flags.Has(protocol.FlagLastWrite) {
		n.finishSession(ev.Checksum)
	}
}

func (n *Node) finishSession(sum uint32) {
	s := n.session
	n.session = nil
	msg := &sessiondb.SessionMessage{
		ID:         s.id.String(),
		ActivityID: n.activityID,
		Channels:   uint8(s.channels),
		Packets:    s.packets,
		Samples:    s.samples,
		Checksum:   sum,
		Start:      s.start,
		End:        time.Now(),
	}
	UpdateLogger.Printf("write session %s: channels %v, %d packets, %d samples, checksum 0x%08x",
		msg.ID, s.channels, msg.Packets, msg.Samples, sum)
	n.publish("SESSION", msg)
	if n.recorder != nil {
		n.recorder.RecordSession(msg)
	}
}
