// Command iqprobe sends one Read-IQ request to a node and prints the headers
// of the packets it returns.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/usnistgov/iqstream"
	"github.com/usnistgov/iqstream/protocol"
)

func probe(endpoint string, req protocol.ReadRequest, rssi bool) error {
	conn, err := net.Dial("udp", endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	cmd := iqstream.Command{ID: iqstream.CmdReadIQ, Args: req.Encode()}
	if rssi {
		cmd.ID = iqstream.CmdReadRSSI
	}
	fmt.Printf("Probing %s with %v of %d samples from %d...\n", endpoint, cmd.ID, req.Total, req.Start)
	if _, err := conn.Write(iqstream.EncodeDatagram(cmd)); err != nil {
		return err
	}

	buf := make([]byte, iqstream.MaxDatagramBytes)
	var received uint32
	for received < req.Total {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		h, err := protocol.ReadHeader(bytes.NewReader(buf[:n]))
		if err != nil {
			return err
		}
		fmt.Printf("%v with %d payload bytes\n", h, n-protocol.HeaderBytes)
		if h.Flags.Has(protocol.FlagNotReady) {
			w := protocol.Words(buf[protocol.HeaderBytes:n])
			fmt.Printf("not ready: status 0x%x, RX cursor 0x%x of 0x%x\n", w[0], w[5], w[3])
			return nil
		}
		if h.Flags.Has(protocol.FlagIQError) || h.Count == 0 {
			return nil
		}
		received += h.Count
	}
	return nil
}

func main() {
	var req protocol.ReadRequest
	var sel, start, total, per uint
	var port int
	var rssi bool
	const defaultHost = "localhost"
	host := defaultHost
	flag.UintVar(&sel, "sel", 1, "channel selector bit mask (one channel)")
	flag.UintVar(&start, "start", 0, "first sample")
	flag.UintVar(&total, "n", 1024, "number of samples")
	flag.UintVar(&per, "per", 256, "maximum samples per packet")
	flag.BoolVar(&rssi, "rssi", false, "read the RSSI buffer instead of RX IQ")
	flag.IntVar(&port, "port", iqstream.DefaultBasePort, "node command port")
	flag.IntVar(&port, "p", iqstream.DefaultBasePort, "node command port (shorthand)")

	flag.Usage = func() {
		fmt.Printf("iqprobe, for dumping the headers of one Read-IQ reply, by default from localhost:%d\n",
			iqstream.DefaultBasePort)
		fmt.Println("Usage: iqprobe [flags] [host][:port]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 0 {
		host = flag.Arg(0)

		// If host ends in :portnum, split that off and update the port value
		if pieces := strings.Split(host, ":"); len(pieces) > 1 {
			if len(pieces) > 2 {
				fmt.Printf("Cannot parse host '%s' with %d colon separators\n", host, len(pieces)-1)
				return
			}
			attachedport, err := strconv.Atoi(pieces[1])
			if err != nil {
				fmt.Printf("Cannot convert port '%s' to integer\n", pieces[1])
				return
			}
			if port != iqstream.DefaultBasePort && port != attachedport {
				fmt.Printf("Cannot use -p argument and a conflicting host:port pair\n")
				return
			}
			if len(pieces[0]) == 0 {
				host = defaultHost
			} else {
				host = pieces[0]
			}
			port = attachedport
		}
	}

	req.Selector = protocol.Selector(sel)
	req.Start, req.Total, req.MaxPerPacket = uint32(start), uint32(total), uint32(per)
	endpoint := fmt.Sprintf("%s:%d", host, port)
	if err := probe(endpoint, req, rssi); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}
