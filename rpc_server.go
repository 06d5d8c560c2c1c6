package iqstream

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/usnistgov/iqstream/geometry"
	"github.com/usnistgov/iqstream/regs"
)

// NodeControl is the JSON-RPC service that configures and inspects a Node.
// Every call runs on the node's main loop.
type NodeControl struct {
	node *Node
	ctx  context.Context
}

func (c *NodeControl) do(fn func()) error {
	return c.node.Do(c.ctx, fn)
}

// Status reports the full node state.
func (c *NodeControl) Status(dummy *string, reply *NodeStatus) error {
	return c.do(func() { *reply = c.node.Status() })
}

// LengthArgs are TX and RX lengths in samples.
type LengthArgs struct {
	Tx, Rx uint32
}

// LengthReply holds the lengths in effect after SetLengths.
type LengthReply struct {
	Tx, Rx  uint32
	Clamped bool
}

// SetLengths sets the TX and RX lengths, clamped to the supported length.
func (c *NodeControl) SetLengths(args *LengthArgs, reply *LengthReply) error {
	return c.do(func() {
		reply.Tx, reply.Rx, reply.Clamped = c.node.SetLengths(args.Tx, args.Rx)
	})
}

// EnableArgs are the TX and RX enable masks, bit i for channel i.
type EnableArgs struct {
	Tx, Rx uint8
}

// EnableBuffers replaces the TX and RX enable masks.
func (c *NodeControl) EnableBuffers(args *EnableArgs, reply *bool) error {
	var err error
	if e := c.do(func() {
		err = c.node.EnableBuffers(regs.ChannelMask(args.Tx), regs.ChannelMask(args.Rx))
	}); e != nil {
		return e
	}
	*reply = err == nil
	return err
}

// SetContinuous selects continuous-transmit mode.
func (c *NodeControl) SetContinuous(on *bool, reply *bool) error {
	return c.do(func() {
		c.node.SetContinuous(*on)
		*reply = *on
	})
}

// ClearErrors clears the given status bits, or every clearable bit if zero.
func (c *NodeControl) ClearErrors(bits *uint32, reply *bool) error {
	b := regs.Status(*bits)
	if b == 0 {
		b = regs.ClearableBits
	}
	return c.do(func() {
		c.node.ClearErrors(b)
		*reply = true
	})
}

// Checksum returns the running Write-IQ checksum.
func (c *NodeControl) Checksum(dummy *string, reply *uint32) error {
	return c.do(func() { *reply = c.node.Checksum() })
}

// DumpArgs selects a range of one buffer: Kind is 0 for TX IQ, 1 for RX IQ
// and 2 for RSSI.
type DumpArgs struct {
	Channel int
	Kind    int
	Start   uint32
	Count   uint32
}

// DumpReply holds the sample words of a Dump.
type DumpReply struct {
	Words []uint32
}

// Dump returns raw sample words from a buffer.
func (c *NodeControl) Dump(args *DumpArgs, reply *DumpReply) error {
	var err error
	if e := c.do(func() {
		reply.Words, err = c.node.Dump(args.Channel, geometry.Kind(args.Kind), args.Start, args.Count)
	}); e != nil {
		return e
	}
	return err
}

// Inspect returns a human-readable dump of the board and register state.
func (c *NodeControl) Inspect(dummy *string, reply *string) error {
	return c.do(func() { *reply = c.node.board.Inspect() })
}

// NewRPCServer returns an RPC server with the NodeControl service registered.
func NewRPCServer(ctx context.Context, node *Node) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.Register(&NodeControl{node: node, ctx: ctx}); err != nil {
		return nil, err
	}
	return server, nil
}

// RunRPCServer accepts JSON-RPC connections on portrpc until ctx is done.
func RunRPCServer(ctx context.Context, node *Node, portrpc int) error {
	server, err := NewRPCServer(ctx, node)
	if err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept error: %w", err)
		}
		UpdateLogger.Printf("new RPC connection from %v", conn.RemoteAddr())
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
