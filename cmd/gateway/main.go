package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/glimpse/realtime/internal/conversation"
	"github.com/glimpse/realtime/internal/gateway"
	"github.com/glimpse/realtime/internal/identity"
	"github.com/glimpse/realtime/internal/messaging"
	"github.com/glimpse/realtime/internal/metrics"
	"github.com/glimpse/realtime/internal/presence"
	"github.com/glimpse/realtime/internal/protocol"
	"github.com/glimpse/realtime/internal/ratelimit"
	"github.com/glimpse/realtime/internal/ws"
)

func main() {
	// Missing .env is fine in production, where config comes from the
	// environment directly.
	_ = godotenv.Load()

	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	pingCancel()

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	if name := os.Getenv("SERVER_NAME"); name != "" {
		natsConfig.Name = name
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	resolver := identity.NewResolver(redisClient)
	presenceStore := presence.NewStore(redisClient)
	limiter := ratelimit.NewLimiter(redisClient)

	// --- Fan-out core ---
	liveRegistry := conversation.NewRegistry[protocol.LiveMessage]()
	typingRegistry := conversation.NewRegistry[protocol.TypingEvent]()
	liveChannel := gateway.NewLiveChannel(liveRegistry)
	typingChannel := gateway.NewTypingChannel(typingRegistry)

	metrics.RegisterConversationsGauge(ws.ChannelLive, func() float64 {
		return float64(liveRegistry.Conversations())
	})
	metrics.RegisterConversationsGauge(ws.ChannelTyping, func() float64 {
		return float64(typingRegistry.Conversations())
	})

	gw := gateway.New(liveChannel, typingChannel, limiter, natsClient)

	server := ws.NewServer(config, resolver, presenceStore, limiter, gw.HandleMessage)
	gw.SetSender(server)
	server.SetOnConnect(gw.HandleConnect)
	server.SetOnDisconnect(gw.HandleDisconnect)

	log.Printf("Glimpse realtime gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  client_name:     %s", natsConfig.Name)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down", sig)

	if err := server.Shutdown(); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	natsClient.Close()
	if err := redisClient.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}

	log.Println("gateway stopped")
}
