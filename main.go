package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	socketOverride := flag.String("socket", "", "unix socket path (overrides config)")
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [-config file] [-socket path]\n", os.Args[0])
		os.Exit(2)
	}

	cfg := loadConfig(*configPath)
	defaultLogger = initLogger(cfg.Logging)

	socketPath := cfg.socketPathOrDefault()
	if *socketOverride != "" {
		socketPath = *socketOverride
	}

	// A client vanishing mid-write must surface as an error, not kill
	// the process.
	signal.Ignore(syscall.SIGPIPE)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	in := newFIFO[upstreamRequest]()
	out := newFIFO[upstreamNotification]()

	broker := newBroker(socketPath, in, out)
	if err := broker.listen(); err != nil {
		logError("cannot bind unix socket", "path", socketPath, "error", err)
		os.Exit(1)
	}
	logInfo("goofydeck listening", "socket", socketPath)

	go runSupervisor(ctx, envCredentials{cfg}, in, out)

	done := make(chan struct{})
	go func() {
		broker.run(ctx)
		close(done)
	}()

	sig := <-sigCh
	logInfo("shutting down", "signal", sig.String())
	cancel()
	<-done
}
