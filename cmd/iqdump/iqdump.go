// Command iqdump fetches a range of one buffer from a running node over
// JSON-RPC and saves it as a NumPy .npy file.
package main

import (
	"flag"
	"fmt"
	"net/rpc/jsonrpc"
	"os"

	"github.com/sbinet/npyio"
	"github.com/usnistgov/iqstream"
	"github.com/usnistgov/iqstream/geometry"
)

var kinds = map[string]geometry.Kind{
	"tx":   geometry.TxIQ,
	"rx":   geometry.RxIQ,
	"rssi": geometry.RSSI,
}

// toComplex converts IQ words (I in the high half-word) to complex samples.
func toComplex(words []uint32) []complex64 {
	z := make([]complex64, len(words))
	for i, w := range words {
		z[i] = complex(float32(int16(w>>16)), float32(int16(w)))
	}
	return z
}

func dump(endpoint, output string, args *iqstream.DumpArgs) error {
	client, err := jsonrpc.Dial("tcp", endpoint)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply iqstream.DumpReply
	if err := client.Call("NodeControl.Dump", args, &reply); err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()
	if geometry.Kind(args.Kind) == geometry.RSSI {
		err = npyio.Write(f, reply.Words)
	} else {
		err = npyio.Write(f, toComplex(reply.Words))
	}
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %d samples of channel %c %v to %s\n", len(reply.Words), 'A'+args.Channel,
		geometry.Kind(args.Kind), output)
	return f.Close()
}

func main() {
	host := flag.String("host", "localhost", "node host")
	port := flag.Int("port", iqstream.DefaultBasePort+1, "node JSON-RPC port")
	channel := flag.Int("ch", 0, "channel (0-3)")
	kind := flag.String("kind", "rx", "buffer: tx, rx or rssi")
	start := flag.Uint("start", 0, "first sample")
	count := flag.Uint("n", 4096, "number of samples")
	output := flag.String("o", "iq.npy", "output file")
	flag.Parse()

	k, ok := kinds[*kind]
	if !ok {
		fmt.Printf("Unknown buffer kind '%s'\n", *kind)
		os.Exit(1)
	}
	args := &iqstream.DumpArgs{Channel: *channel, Kind: int(k), Start: uint32(*start), Count: uint32(*count)}
	endpoint := fmt.Sprintf("%s:%d", *host, *port)
	if err := dump(endpoint, *output, args); err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
}
