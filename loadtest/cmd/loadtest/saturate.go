package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/duet/roulette/loadtest/client"
	"github.com/duet/roulette/loadtest/stats"
)

// runSaturate opens idle connections, ramping up over the configured
// duration, then holds them open and counts drops.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	clients, interrupted := connectAll(ctx, *url, *connections, *rampUp, *concurrency, collector)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), *connections, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)
		dropped = holdOpen(ctx, clients, *hold)
	}

	cleanup(clients)
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// holdOpen waits for d, printing how many connections are still alive every
// five seconds, and returns the number that closed.
func holdOpen(ctx context.Context, clients []*client.Client, d time.Duration) int {
	alive := func() int {
		n := 0
		for _, c := range clients {
			select {
			case <-c.Done():
			default:
				n++
			}
		}
		return n
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return len(clients) - alive()
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return len(clients) - alive()
		case <-status.C:
			n := alive()
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", n, len(clients), len(clients)-n)
		}
	}
}
