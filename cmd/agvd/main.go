package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"agvlink/config"
	"agvlink/messaging"
	"agvlink/sim"
	"agvlink/vehicle"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "agvd.yaml", "path to config file (.yaml or .toml)")
		vehicleID  = pflag.StringP("id", "i", "", "vehicle id (overrides config)")
		debug      = pflag.Bool("debug", false, "enable debug logging")
		speed      = pflag.Float64("speed", 100, "simulated drive speed in px/s")
		spacing    = pflag.Float64("spacing", 200, "simulated distance between regions in px")
		obstacles  = pflag.Float64Slice("obstacle", nil, "simulated obstacle track positions in px")
		locMisses  = pflag.Int("locate-misses", 0, "simulated failed locate attempts before the item is found")
	)
	pflag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *vehicleID != "" {
		cfg.Vehicle.ID = *vehicleID
	}

	transport := messaging.NewClient(&cfg.Messaging, "agv-"+cfg.Vehicle.ID)
	if *debug {
		transport.DebugLog = log.Printf
	}
	if err := transport.Connect(); err != nil {
		log.Printf("messaging connect: %v (will retry)", err)
	}

	world := sim.NewWorld(cfg.PaletteList(), *spacing, *speed)
	frames := vehicle.NewFrameCell()
	camera := &sim.Camera{World: world, Frames: frames, Interval: cfg.Vehicle.TickInterval}

	agent := vehicle.NewAgent(vehicle.AgentConfig{
		Vehicle:     cfg.Vehicle,
		TopicPrefix: cfg.Messaging.TopicPrefix,
		Palette:     cfg.PaletteList(),
		LogFunc:     log.Printf,
		Debug:       *debug,
	}, transport, vehicle.Collaborators{
		Navigator: world,
		Detector:  world,
		Locator:   &sim.Locator{Misses: *locMisses},
		Arm:       &sim.Arm{LogFunc: log.Printf},
		Frames:    frames,
	})
	for _, at := range *obstacles {
		world.AddObstacle(at)
	}
	world.OnCollision(agent.SignalCollision)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("agvd: vehicle %s on %s (%s)", cfg.Vehicle.ID,
		messaging.CommandTopic(cfg.Messaging.TopicPrefix, cfg.Vehicle.ID), cfg.Messaging.Backend)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := camera.Run(ctx); err != nil {
			log.Printf("camera: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		agent.Run(ctx)
	}()
	wg.Wait()
}
