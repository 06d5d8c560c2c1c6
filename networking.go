package iqstream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/usnistgov/iqstream/protocol"
)

// DatagramHeaderBytes is the size of the dispatch prefix on every command
// datagram: the command id and three reserved bytes.
const DatagramHeaderBytes = 4

// MaxDatagramBytes is the largest command datagram accepted.
const MaxDatagramBytes = 65507

// DecodeDatagram splits a command datagram into its command. Args alias p.
func DecodeDatagram(p []byte) (Command, error) {
	if len(p) < DatagramHeaderBytes {
		return Command{}, fmt.Errorf("%w: %d-byte datagram", protocol.ErrShortPayload, len(p))
	}
	return Command{ID: CommandID(p[0]), Args: p[DatagramHeaderBytes:]}, nil
}

// EncodeDatagram returns the datagram carrying cmd.
func EncodeDatagram(cmd Command) []byte {
	p := make([]byte, DatagramHeaderBytes, DatagramHeaderBytes+len(cmd.Args))
	p[0] = byte(cmd.ID)
	return append(p, cmd.Args...)
}

// udpSender sends each reply packet as one datagram to the requester.
type udpSender struct {
	conn    net.PacketConn
	addr    net.Addr
	scratch []byte
}

func (s *udpSender) Send(header, body []byte) error {
	s.scratch = append(append(s.scratch[:0], header...), body...)
	_, err := s.conn.WriteTo(s.scratch, s.addr)
	return err
}

// ServeUDP reads command datagrams from conn and forwards them to the main
// loop on requests until ctx is done or conn fails. Replies go back to the
// sender of each datagram.
func ServeUDP(ctx context.Context, conn net.PacketConn, requests chan<- Request) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	buf := make([]byte, MaxDatagramBytes)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return err
		}
		cmd, err := DecodeDatagram(buf[:n])
		if err != nil {
			ProblemLogger.Printf("datagram from %v: %v", addr, err)
			continue
		}
		cmd.Args = append([]byte(nil), cmd.Args...)
		req := Request{Command: cmd, Reply: &udpSender{conn: conn, addr: addr}}
		select {
		case requests <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
