package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/randomchat/internal/loadtest"
)

// runSaturate opens connections over a ramp-up period and holds them while
// counting drops, to find the point where the server starts refusing.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	healthURL := fs.String("health-url", "http://localhost:8080/health", "Server health endpoint")
	secret := fs.String("secret", "", "JWT secret (defaults to JWT_SECRET)")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := newDialer(*url, *secret)
	collector := loadtest.NewCollector()
	health := loadtest.NewHealthPoller(*healthURL, time.Second)
	collector.SetHealthPoller(health)
	health.Start(ctx)

	var (
		mu      sync.Mutex
		clients = make([]*loadtest.Client, 0, *connections)
		dropped atomic.Int64
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, *concurrency)

	interval := *rampUp / time.Duration(max(*connections, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)

	fmt.Println("\n--- Ramp-up phase ---")
	interrupted := false
	for i := 0; i < *connections && !interrupted; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			continue
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := d.dial(connCtx, n, "")
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()

			go func() {
				select {
				case <-c.Done():
					if ctx.Err() == nil {
						dropped.Add(1)
					}
				case <-ctx.Done():
				}
			}()
		}(i)
	}
	ticker.Stop()
	wg.Wait()
	fmt.Printf("  connected: %d  errors: %d\n", collector.ConnectionCount(), collector.ErrorCount())

	if !interrupted {
		fmt.Printf("\n--- Hold phase (%s) ---\n", *hold)
		select {
		case <-ctx.Done():
		case <-time.After(*hold):
		}
	}

	fmt.Printf("  dropped during hold: %d\n", dropped.Load())
	health.Stop()
	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	collector.Report(os.Stdout)
}
