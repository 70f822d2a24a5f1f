package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duet/roulette/loadtest/client"
	"github.com/duet/roulette/loadtest/stats"
)

// runMatch connects pairs of users, sends find-match from all of them and
// drives each room through one offer/answer exchange and a few chat lines.
// It reports match latency, signaling round trips and chat delivery.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout for match-found and the offer/answer exchange")
	chatLines := fs.Int("chat", 3, "Chat messages the initiator sends once signaling is done")
	country := fs.String("country", "", "Country sent in every profile (empty = no country)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, chat=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *matchTimeout, *chatLines, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// -----------------------------------------------------------------------
	// Phase 1: connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	clients, interrupted := connectAll(ctx, *url, totalClients, *rampUp, *concurrency, collector)
	fmt.Printf("\nPhase 1 complete: %d/%d connections (%d errors)\n",
		len(clients), totalClients, collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted, skipping matching phases.")
		cleanup(clients)
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: find-match, then offer/answer and chat inside each room
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Start matching ---")

	var matched, signaled, chatReceived atomic.Int64
	var wg sync.WaitGroup
	matchStart := time.Now()

	for _, c := range clients {
		c := c
		wg.Add(1)

		matchDone := make(chan struct{})
		signalDone := make(chan struct{})
		var matchOnce, signalOnce sync.Once

		c.On(client.TypeMatchFound, func(raw json.RawMessage) {
			var msg struct {
				RoomID      string `json:"roomId"`
				IsInitiator bool   `json:"isInitiator"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				collector.AddError()
				return
			}
			collector.AddLatency("match", time.Since(matchStart))
			matched.Add(1)
			matchOnce.Do(func() { close(matchDone) })

			if msg.IsInitiator {
				_ = c.Send(map[string]interface{}{
					"type":   client.TypeOffer,
					"roomId": msg.RoomID,
					"offer":  map[string]interface{}{"type": "offer", "sdp": "v=0", "sentAt": time.Now().UnixNano()},
				})
			}
		})

		// Answerer: reply to the offer with the same timestamp.
		c.On(client.TypeOffer, func(raw json.RawMessage) {
			var msg struct {
				RoomID string `json:"roomId"`
				Offer  struct {
					SentAt int64 `json:"sentAt"`
				} `json:"offer"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				collector.AddError()
				return
			}
			_ = c.Send(map[string]interface{}{
				"type":   client.TypeAnswer,
				"roomId": msg.RoomID,
				"answer": map[string]interface{}{"type": "answer", "sdp": "v=0", "sentAt": msg.Offer.SentAt},
			})
			signalOnce.Do(func() { close(signalDone) })
		})

		// Initiator: the answer closes the round trip.
		c.On(client.TypeAnswer, func(raw json.RawMessage) {
			var msg struct {
				RoomID string `json:"roomId"`
				Answer struct {
					SentAt int64 `json:"sentAt"`
				} `json:"answer"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				collector.AddError()
				return
			}
			collector.AddLatency("offer/answer", time.Duration(time.Now().UnixNano()-msg.Answer.SentAt))
			signaled.Add(1)
			signalOnce.Do(func() { close(signalDone) })

			for i := 0; i < *chatLines; i++ {
				_ = c.Send(map[string]string{
					"type":    client.TypeChatMessage,
					"roomId":  msg.RoomID,
					"message": fmt.Sprintf("hello %d", i),
				})
			}
		})

		c.On(client.TypeChatMessage, func(json.RawMessage) {
			chatReceived.Add(1)
			collector.Inc("chat")
		})
		c.On(client.TypeRateLimited, func(json.RawMessage) {
			collector.Inc("rate-limited")
		})
		c.On(client.TypePartnerLeft, func(json.RawMessage) {
			collector.Inc("partner-left")
		})

		go func() {
			defer wg.Done()

			timeout := time.NewTimer(*matchTimeout)
			defer timeout.Stop()

			for _, step := range []chan struct{}{matchDone, signalDone} {
				select {
				case <-step:
				case <-timeout.C:
					collector.AddError()
					return
				case <-c.Done():
					collector.AddError()
					return
				case <-ctx.Done():
					return
				}
			}
		}()

		profile := map[string]string{}
		if *country != "" {
			profile["country"] = *country
		}
		err := c.Send(map[string]interface{}{
			"type":      client.TypeFindMatch,
			"timestamp": time.Now().UnixMilli(),
			"profile":   profile,
		})
		if err != nil {
			collector.AddError()
		}
	}

	// -----------------------------------------------------------------------
	// Phase 3: wait with progress reporting
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Waiting for rooms ---")

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [match] matched: %d/%d  signaled rooms: %d/%d  errors: %d\n",
					matched.Load(), len(clients), signaled.Load(), *pairs, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Println("\nInterrupted during matching phase.")
	}

	// Give the last chat lines a moment to arrive.
	if *chatLines > 0 {
		time.Sleep(500 * time.Millisecond)
	}

	close(progressStop)
	progressWg.Wait()

	elapsed := time.Since(matchStart)

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Clients matched:   %d / %d\n", matched.Load(), len(clients))
	fmt.Printf("Rooms signaled:    %d / %d\n", signaled.Load(), *pairs)
	fmt.Printf("Chat delivered:    %d / %d\n", chatReceived.Load(), signaled.Load()*int64(*chatLines))
	fmt.Printf("Duration:          %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Room throughput:   %.1f rooms/s\n", float64(signaled.Load())/elapsed.Seconds())
	}

	cleanup(clients)
	collector.Report()
}

// connectAll opens n connections, one every ramp/n, with at most
// concurrency dials in flight. It reports whether ctx ended the ramp early.
func connectAll(ctx context.Context, url string, n int, ramp time.Duration, concurrency int, collector *stats.Collector) ([]*client.Client, bool) {
	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for launched := 0; launched < n; launched++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients, true
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return clients, false
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
