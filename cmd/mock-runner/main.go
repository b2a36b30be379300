// Command mock-runner is a development runner that registers with a
// coordinator, claims runs over the long-poll, and produces canned results.
// It exists for rapid feature testing and end-to-end tests: no real agent
// process is spawned, but the full runner protocol is exercised — register,
// heartbeat, claim, transitions, event ingress, and stop acknowledgement.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	coordinator := flag.String("coordinator", "http://localhost:8080", "coordinator base URL")
	hostname := flag.String("hostname", defaultHostname(), "hostname to register under")
	tags := flag.String("tags", "", "comma-separated capability tags")
	profile := flag.String("executor-profile", "mock", "executor profile to advertise")
	heartbeatEvery := flag.Duration("heartbeat-interval", 30*time.Second, "heartbeat period")
	runDelay := flag.Duration("run-delay", 200*time.Millisecond, "simulated execution time per run")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	runner := &mockRunner{
		client:   newClient(*coordinator),
		hostname: *hostname,
		tags:     splitTags(*tags),
		profile:  *profile,
		runDelay: *runDelay,
	}

	if err := runner.register(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mock-runner: registration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mock-runner: registered as %s (host %s)\n", runner.id, runner.hostname)

	go runner.heartbeatLoop(ctx, *heartbeatEvery)
	runner.pollLoop(ctx)

	// Best-effort unregister so the coordinator drops us immediately instead
	// of waiting for the heartbeat reaper.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := runner.unregister(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "mock-runner: unregister failed: %v\n", err)
	}
	fmt.Println("mock-runner: stopped")
}

func defaultHostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "mock-runner"
	}
	return host
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}
