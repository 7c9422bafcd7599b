// Command pushsim runs a local push endpoint for tabd: it serves the named
// frame stream and accepts typing notices and injected envelopes.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fanline/realtime/internal/push"
)

func main() {
	_ = godotenv.Load(".env")

	config := push.DefaultServerConfig()
	if addr := os.Getenv("PUSH_LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("PUSH_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.PingInterval = d
		}
	}
	if v := os.Getenv("PUSH_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	log.Printf("push simulator starting")
	log.Printf("  listen_addr:    %s", config.ListenAddr)
	log.Printf("  ping_interval:  %s", config.PingInterval)
	log.Printf("  write_timeout:  %s", config.WriteTimeout)

	server := push.NewServer(config)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
