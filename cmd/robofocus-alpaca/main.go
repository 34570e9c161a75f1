package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"robofocus/pkg/alpaca"
	"robofocus/pkg/config"
	"robofocus/pkg/focuser"
	"robofocus/pkg/mqtt"
	"robofocus/pkg/protocol"
	"robofocus/pkg/settings"
)

func driverConfig(cfg config.Config) focuser.DriverConfig {
	ctl := focuser.DefaultConfig()
	ctl.StepSize = cfg.Focuser.StepSizeMicrons
	ctl.MaxStep = cfg.Focuser.MaxStep
	ctl.MinPosition = cfg.Focuser.MinStep
	ctl.MaxIncrement = cfg.Focuser.MaxIncrement
	ctl.PollMoving = cfg.Focuser.PollMoving()
	ctl.PollIdle = cfg.Focuser.PollIdle()

	sim := protocol.DefaultSimulatorConfig()
	if cfg.Simulator.Firmware != "" {
		sim.Firmware = cfg.Simulator.Firmware
	}
	if cfg.Simulator.InitialPosition > 0 {
		sim.InitialPosition = cfg.Simulator.InitialPosition
	}
	if cfg.Simulator.StepsPerSecond > 0 {
		sim.StepsPerSecond = cfg.Simulator.StepsPerSecond
	}
	sim.Temperature = cfg.Simulator.Temperature
	sim.MaxTravel = cfg.Focuser.MaxStep

	return focuser.DriverConfig{
		Controller: ctl,
		Serial: protocol.SerialConfig{
			Port:    cfg.Serial.Port,
			Baud:    cfg.Serial.Baud,
			Timeout: cfg.Serial.Timeout(),
		},
		Simulator: sim,
		UseSim:    cfg.Simulator.Enabled,
	}
}

func setupLogging(cfg config.Logging, debug bool) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("unknown log level %q: %v", cfg.Level, err)
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %v", err)
		}
		log.SetOutput(f)
	}
	return nil
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	if err := setupLogging(cfg.Logging, c.Bool("debug")); err != nil {
		return err
	}

	log.Info("Robofocus Alpaca Server")

	db, err := bolt.Open("robofocus.db", 0o600, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := settings.NewStore(db, log.WithField("component", "settings"))
	if err != nil {
		return fmt.Errorf("failed to create settings store: %v", err)
	}

	trace := protocol.NewTrace()

	driver := focuser.NewDriver(0, driverConfig(cfg), store, trace, log.WithField("device", "focuser"))
	defer driver.Close()

	if cfg.Serial.AutoDiscover && !driver.Simulator() && driver.Port() == "" {
		devices, err := driver.Scan()
		if err != nil {
			log.Warnf("Port scan failed: %v", err)
		} else if len(devices) > 0 {
			log.Infof("Found focuser on %s (firmware %s)", devices[0].Port, devices[0].Firmware)
			driver.SetPort(devices[0].Port)
		}
	}

	serverDesc := alpaca.ServerDescription{
		Name:                "Robofocus Alpaca Server",
		Manufacturer:        "Robofocus",
		ManufacturerVersion: focuser.DriverVersion,
		Location:            "Observatory",
	}

	handler := alpaca.NewFocuserHandler(driver, log.WithField("component", "alpaca"))
	gui := alpaca.NewGUIHandler(driver, trace, log.WithField("component", "gui"))
	server := alpaca.NewServer(serverDesc, []*alpaca.FocuserHandler{handler}, gui)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.IP, cfg.Server.Port),
		Handler: server.AddRoutes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", srv.Addr, err)
		}
	}()

	if cfg.Server.Discovery {
		dr := alpaca.NewDiscoveryResponder("0.0.0.0", cfg.Server.Port, log.WithField("component", "discovery"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dr.Run(ctx); err != nil {
				log.Errorf("Discovery responder failed: %v", err)
			}
		}()
	}

	if cfg.MQTT.Enabled {
		pub, err := mqtt.NewPublisher(mqtt.Config{
			Broker:    cfg.MQTT.Broker,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			TopicRoot: cfg.MQTT.TopicRoot,
			Interval:  cfg.MQTT.Interval(),
		}, driver, log.WithField("component", "mqtt"))
		if err != nil {
			log.Warnf("MQTT disabled: %v", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pub.Run(ctx)
			}()
		}
	}

	<-ctx.Done()

	log.Info("Shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:  "robofocus-alpaca",
		Usage: "Alpaca driver for the Robofocus focuser",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   11111,
				EnvVars: []string{"ALPACA_PORT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Value:   "config.json",
				EnvVars: []string{"ROBOFOCUS_CONFIG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
