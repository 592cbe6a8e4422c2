/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lexachron/ntpspy/client"
	"github.com/lexachron/ntpspy/server"
	"github.com/lexachron/ntpspy/sink"
	"github.com/lexachron/ntpspy/wire"
)

// Exit codes from §6.
const (
	exitOK       = 0
	exitUsage    = 1
	exitNetwork  = 2
	exitChecksum = 3
	exitLocalIO  = 4
)

// hexMagic is a flag.Value adapter for the 32-bit hex -m flag, modeled on
// server.MultiIPs's Set/String pair.
type hexMagic struct {
	value *wire.Magic
}

func (h hexMagic) String() string {
	if h.value == nil {
		return ""
	}
	return fmt.Sprintf("%#x", uint32(*h.value))
}

func (h hexMagic) Set(s string) error {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16, 32)
	if err != nil {
		return fmt.Errorf("invalid hex magic %q: %w", s, err)
	}
	*h.value = wire.Magic(v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		storageRoot    string
		overwrite      bool
		port           int
		magic          wire.Magic
		minInterval    float64
		queryOnly      bool
		verbosity      int
		monitoringPort int
	)

	flag.StringVar(&storageRoot, "s", "", "server mode: storage root directory")
	flag.BoolVar(&overwrite, "o", false, "server: overwrite on filename collision")
	flag.IntVar(&port, "p", 123, "UDP port")
	flag.Var(hexMagic{&magic}, "m", "magic discriminator, 32-bit non-zero hex")
	flag.Float64Var(&minInterval, "t", 0, "client: minimum seconds between datagrams")
	flag.BoolVar(&queryOnly, "q", false, "client: query only, no transfer")
	flag.IntVar(&monitoringPort, "monitoringport", 0, "server: Prometheus /metrics port, 0 disables")
	flag.BoolFunc("v", "warn-level verbosity", func(string) error { verbosity = max(verbosity, 1); return nil })
	flag.BoolFunc("vv", "info-level verbosity", func(string) error { verbosity = max(verbosity, 2); return nil })
	flag.BoolFunc("vvv", "debug-level verbosity", func(string) error { verbosity = max(verbosity, 3); return nil })
	flag.Parse()

	switch {
	case verbosity >= 3:
		log.SetLevel(log.DebugLevel)
	case verbosity == 2:
		log.SetLevel(log.InfoLevel)
	case verbosity == 1:
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}

	if err := magic.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ntpspy: %v (pass -m)\n", err)
		return exitUsage
	}

	if storageRoot != "" {
		return runServer(storageRoot, overwrite, port, magic, monitoringPort)
	}
	return runClient(flag.Args(), port, magic, time.Duration(minInterval*float64(time.Second)), queryOnly)
}

func runServer(storageRoot string, overwrite bool, port int, magic wire.Magic, monitoringPort int) int {
	sk, err := sink.NewFSSink(storageRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ntpspy: %v\n", err)
		return exitLocalIO
	}

	cfg := server.Config{StorageRoot: storageRoot, Port: port, Magic: magic, Overwrite: overwrite, MonitoringPort: monitoringPort}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ntpspy: %v\n", err)
		return exitUsage
	}

	stats, reg := server.NewPromStats()
	if monitoringPort > 0 {
		go server.Serve(monitoringPort, reg)
	}

	eng, err := server.New(cfg, sk, stats, log.StandardLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ntpspy: %v\n", err)
		return exitLocalIO
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warning("shutting down")
		cancel()
	}()

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "ntpspy: %v\n", err)
		return exitNetwork
	}
	return exitOK
}

func runClient(args []string, defaultPort int, magic wire.Magic, minInterval time.Duration, queryOnly bool) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "ntpspy: usage: ntpspy [-m hex] [-p port] host[:port] [file ...]")
		return exitUsage
	}
	peerSpec, files := args[0], args[1:]

	addr, err := resolvePeer(peerSpec, defaultPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ntpspy: %v\n", err)
		return exitUsage
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ntpspy: %v\n", err)
		return exitNetwork
	}
	defer conn.Close()

	cfg := client.Config{Magic: magic, MinInterval: minInterval}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ntpspy: %v\n", err)
		return exitUsage
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warning("interrupted, aborting current file")
		cancel()
	}()

	eng := client.New(conn, addr, cfg, log.StandardLogger())

	if queryOnly {
		if _, err := eng.Query(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "ntpspy: query failed: %v\n", err)
			return exitNetwork
		}
		fmt.Println("ntpspy: server responded")
		return exitOK
	}

	results := eng.SendBatch(ctx, files)
	return classifyExit(results)
}

func resolvePeer(spec string, defaultPort int) (*net.UDPAddr, error) {
	host := spec
	port := defaultPort
	if h, p, err := net.SplitHostPort(spec); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
}

// exitSeverity ranks exit codes so the worst failure across a batch wins,
// regardless of which file hit it first.
func exitSeverity(code int) int {
	switch code {
	case exitNetwork:
		return 3
	case exitLocalIO:
		return 2
	case exitChecksum:
		return 1
	default:
		return 0
	}
}

func classifyExit(results []client.FileResult) int {
	code := exitOK
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		fmt.Fprintf(os.Stderr, "ntpspy: %s: %v\n", r.Path, r.Err)
		var this int
		switch {
		case errors.Is(r.Err, client.ErrConnectivity), errors.Is(r.Err, client.ErrEndTimeout), errors.Is(r.Err, client.ErrChunkRetriesExhausted):
			this = exitNetwork
		case errors.Is(r.Err, client.ErrChecksumMismatch):
			this = exitChecksum
		default:
			this = exitLocalIO
		}
		if exitSeverity(this) > exitSeverity(code) {
			code = this
		}
	}
	return code
}
