// Command kvdb-server runs the storage engine behind the binary wire
// protocol, listening on a TCP address for Get/Set/Remove requests.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kvdb/engine"
	"kvdb/internal/wire"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6380", "address to listen on")
	dir := flag.String("dir", "./data", "data directory")
	configPath := flag.String("config", "", "path to a YAML options file (optional)")
	flag.Parse()

	opt := engine.DefaultOptions()
	if *configPath != "" {
		loaded, err := engine.LoadOptions(*configPath)
		if err != nil {
			log.Fatalf("loading config %s: %v", *configPath, err)
		}
		opt = loaded
	}

	e, err := engine.Open(*dir, opt)
	if err != nil {
		log.Fatalf("opening %s: %v", *dir, err)
	}
	defer e.Close()

	srv, err := wire.Listen(*addr, e)
	if err != nil {
		log.Fatalf("listening on %s: %v", *addr, err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Printf("shutting down")
		srv.Close()
	}()

	log.Printf("listening on %s, data dir %s", srv.Addr(), *dir)
	if err := srv.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
