package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"agvlink/config"
	"agvlink/engine"
	"agvlink/messaging"
	"agvlink/registry"
	"agvlink/serverlink"
	"agvlink/store"
	"agvlink/www"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "agvbridge.yaml", "path to config file (.yaml or .toml)")
		debug      = pflag.Bool("debug", false, "enable debug logging")
		port       = pflag.Int("port", 0, "HTTP port (overrides config)")
		server     = pflag.String("server", "", "central server address (overrides config)")
	)
	pflag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *port > 0 {
		cfg.Web.Port = *port
	}
	if *server != "" {
		cfg.Server.Address = *server
	}

	eventLog, err := store.OpenEventLog(cfg.Storage.EventLogPath)
	if err != nil {
		log.Fatalf("open event log: %v", err)
	}
	defer eventLog.Close()

	var images *store.ImageStore
	if cfg.Storage.SaveImages {
		images, err = store.NewImageStore(cfg.Storage.ImageDir)
		if err != nil {
			log.Fatalf("image store: %v", err)
		}
	}

	var mirror engine.SessionMirror
	if cfg.Redis.Enabled {
		rm := registry.NewRedisMirror(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.KeyPrefix)
		defer rm.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rm.Ping(ctx); err != nil {
			log.Printf("redis: %v (mirror disabled)", err)
		} else {
			if err := rm.Flush(ctx); err != nil {
				log.Printf("redis flush: %v", err)
			}
			mirror = rm
		}
		cancel()
	}

	upstream := serverlink.New(cfg.Server)
	pubsub := messaging.NewClient(&cfg.Messaging, "agvbridge-"+cfg.BridgeID)
	if *debug {
		upstream.DebugLog = log.Printf
		pubsub.DebugLog = log.Printf
	}
	// first attempt up front; the engine's loops own reconnection after this
	if err := pubsub.Connect(); err != nil {
		log.Printf("messaging connect: %v (will retry)", err)
	}

	eng := engine.New(engine.Config{
		AppConfig: cfg,
		Upstream:  upstream,
		PubSub:    pubsub,
		EventLog:  eventLog,
		Images:    images,
		Mirror:    mirror,
		LogFunc:   log.Printf,
		Debug:     *debug,
	})
	eng.Start()
	defer eng.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			log.Printf("config: reloaded %s", *configPath)
			eng.ApplyFleet(next.Fleet.Vehicles)
		})
		if err != nil {
			log.Printf("config watch: %v", err)
		}
	}()

	var httpServer *http.Server
	stopWeb := func() {}
	if cfg.Web.Enabled {
		var router http.Handler
		router, stopWeb = www.NewRouter(eng)
		addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
		httpServer = &http.Server{Addr: addr, Handler: router}
		go func() {
			log.Printf("agvbridge listening on %s", addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("http server: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Println("Shutting down...")

	// close live streams first so Shutdown is not held by them
	stopWeb()
	if httpServer != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			log.Printf("http server shutdown: %v", err)
		}
	}
}
