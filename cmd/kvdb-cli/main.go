// Command kvdb-cli sends a single Get, Set, or Remove request to a
// running kvdb-server and prints the result.
package main

import (
	"flag"
	"fmt"
	"os"

	"kvdb/internal/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: kvdb-cli -addr host:port <get|set|remove> key [value]\n")
	os.Exit(2)
}

func main() {
	addr := flag.String("addr", "127.0.0.1:6380", "server address")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
	}
	cmd, key := args[0], args[1]

	client, err := wire.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	switch cmd {
	case "get":
		value, ok, err := client.Get([]byte(key))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Println("(not found)")
			os.Exit(1)
		}
		fmt.Println(string(value))
	case "set":
		if len(args) < 3 {
			usage()
		}
		if err := client.Set([]byte(key), []byte(args[2])); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "remove":
		existed, err := client.Remove([]byte(key))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if !existed {
			fmt.Println("(not found)")
			os.Exit(1)
		}
	default:
		usage()
	}
}
