// Command kvs-client is a minimal command-line client for FincasKV: it
// dials the server directly with net.Conn and speaks the newline-JSON
// wire protocol itself, the same way this codebase's server-side
// tooling favors a raw connection over a client library.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"fincaskv/network/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4000", "server address")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(1)
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := protocol.NewWriter(conn).WriteRequest(req); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	resp, err := protocol.NewResponseParser(conn).Next()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if !resp.OK {
		fmt.Fprintln(os.Stderr, "error:", resp.Error)
		os.Exit(1)
	}

	switch req.Op {
	case protocol.OpGet:
		if !resp.Found {
			fmt.Println("Key not found")
			os.Exit(1)
		}
		fmt.Println(resp.Value)
	case protocol.OpRm, protocol.OpSet:
		// success prints nothing
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kvs-client [--addr host:port] set KEY VALUE | get KEY | rm KEY")
}

func buildRequest(args []string) (*protocol.Request, error) {
	switch args[0] {
	case "set":
		if len(args) != 3 {
			return nil, fmt.Errorf("set requires KEY and VALUE")
		}
		return &protocol.Request{Op: protocol.OpSet, Key: args[1], Value: args[2]}, nil
	case "get":
		if len(args) != 2 {
			return nil, fmt.Errorf("get requires KEY")
		}
		return &protocol.Request{Op: protocol.OpGet, Key: args[1]}, nil
	case "rm":
		if len(args) != 2 {
			return nil, fmt.Errorf("rm requires KEY")
		}
		return &protocol.Request{Op: protocol.OpRm, Key: args[1]}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
}
