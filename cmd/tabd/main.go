package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fanline/realtime/internal/bus"
	"github.com/fanline/realtime/internal/config"
	"github.com/fanline/realtime/internal/events"
	"github.com/fanline/realtime/internal/lease"
	"github.com/fanline/realtime/internal/metrics"
	"github.com/fanline/realtime/internal/stream"
	"github.com/fanline/realtime/internal/tab"
	"github.com/fanline/realtime/internal/typing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	cancel()

	// --- Bus transports ---
	fallback := bus.NewRedisTransport(redisClient, cfg.Profile)
	var primary *bus.NATSTransport
	if cfg.BusTransport != config.TransportRedis {
		natsConfig := bus.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		t, err := bus.NewNATSTransport(natsConfig, cfg.Profile)
		switch {
		case err == nil:
			primary = t
		case cfg.BusTransport == config.TransportNATS:
			log.Fatalf("failed to connect to NATS: %v", err)
		default:
			log.Printf("[bus] nats unavailable: %v", err)
		}
	}

	var transport bus.Transport
	switch {
	case cfg.BusTransport == config.TransportRedis:
		transport = fallback
	case cfg.BusTransport == config.TransportNATS:
		transport = primary
	case primary == nil:
		transport = bus.SelectTransport(context.Background(), nil, fallback)
	default:
		transport = bus.SelectTransport(context.Background(), primary, fallback)
	}

	// --- Typing notices ---
	throttle := typing.NewThrottle(redisClient, cfg.Profile, typing.DefaultThrottleRule)
	sender := typing.NewSender(typing.SenderConfig{
		URL:  cfg.TypingURL,
		Role: cfg.SenderRole,
	}, throttle)

	t, err := tab.New(tab.Options{
		ID:     cfg.TabID,
		Leases: lease.NewRedisStore(redisClient, cfg.Profile, 2*cfg.LeaseTTL),
		Lease:  lease.Config{Tick: cfg.LeaseTick, TTL: cfg.LeaseTTL},
		Relay:  transport,
		Dedupe: tab.DedupeConfig{
			MaxEntries: cfg.DedupeMaxEntries,
			TTL:        cfg.DedupeTTL,
		},
		Typing: typing.StoreConfig{
			HideAfter:     cfg.TypingHideAfter,
			SweepInterval: cfg.TypingSweepInterval,
		},
		Sender: sender,
		NewUpstream: func(sink stream.Sink) tab.Upstream {
			return stream.NewClient(stream.Config{
				URL:           cfg.StreamURL,
				ReconnectWait: cfg.StreamReconnectWait,
			}, sink)
		},
	})
	if err != nil {
		log.Fatalf("failed to create tab: %v", err)
	}

	log.Printf("realtime tab starting")
	log.Printf("  tab_id:        %s", t.ID())
	log.Printf("  profile:       %s", cfg.Profile)
	log.Printf("  redis_addr:    %s", cfg.RedisAddr)
	log.Printf("  transport:     %s", transport.Name())
	log.Printf("  stream_url:    %s", cfg.StreamURL)
	log.Printf("  typing_url:    %s", cfg.TypingURL)
	log.Printf("  lease:         tick=%s ttl=%s", cfg.LeaseTick, cfg.LeaseTTL)
	log.Printf("  metrics_addr:  %s", cfg.MetricsAddr)

	// Log every local event; this process has no UI of its own.
	for _, name := range events.Names {
		if name == events.NamePurchaseCreated {
			continue
		}
		t.Subscribe(name, func(ev events.Event) {
			log.Printf("[tab] event=%s payload=%s", ev.Name, ev.Payload)
		})
	}
	t.OnPurchase(func(ev events.Event) {
		log.Printf("[tab] event=%s payload=%s", ev.Name, ev.Payload)
	})
	t.Typing().Subscribe(func(conversationID string, e *typing.Entry) {
		if e == nil {
			log.Printf("[typing] conversation=%s stopped", conversationID)
			return
		}
		log.Printf("[typing] conversation=%s typing draft_len=%d", conversationID, len(e.DraftText))
	})

	// --- Metrics + health ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tab":       t.ID(),
			"owner":     t.IsOwner(),
			"transport": transport.Name(),
		})
	})
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := t.Start(ctx); err != nil {
		log.Fatalf("failed to start tab: %v", err)
	}

	<-ctx.Done()
	log.Printf("shutting down tab=%s", t.ID())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	// Release first so a sibling can take over on its next tick.
	t.Close(shutdownCtx)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
	if primary != nil {
		primary.Close()
	}
	fallback.Close()
	if err := redisClient.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
}
