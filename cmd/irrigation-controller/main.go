// Command irrigation-controller waters a garden from a reservoir, switching
// latching valves through a polarity-reversing relay circuit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/irrigation-controller/internal/clock"
	"github.com/sweeney/irrigation-controller/internal/config"
	"github.com/sweeney/irrigation-controller/internal/depth"
	"github.com/sweeney/irrigation-controller/internal/history"
	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/mqtt"
	"github.com/sweeney/irrigation-controller/internal/scheduler"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/valve"
	"github.com/sweeney/irrigation-controller/internal/web"
)

// eventQueue is the number of valve transitions held between the valves and
// the publishing loop.
const eventQueue = 64

func main() {
	cfgPath := flag.String("config", "/etc/irrigation/irrigation.yaml", "YAML configuration file")
	simulate := flag.Bool("simulate", false, "Run without GPIO hardware")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", "HTTP status address (overrides config, \"off\" disables)")
	check := flag.Bool("check", false, "Validate the configuration and exit")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	switch *httpAddr {
	case "":
	case "off":
		cfg.HTTP = ""
	default:
		cfg.HTTP = *httpAddr
	}
	if *simulate {
		cfg.GPIO.Simulate = true
	}

	if *check {
		fmt.Printf("%s: %d valves, %d sequence entries, threshold %.1f cm\n",
			*cfgPath, len(cfg.Valves), len(cfg.Sequence.Entries), cfg.Scheduler.DepthThreshold)
		return
	}

	if err := run(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg *config.Config) error {
	chip, err := openChip(cfg.GPIO.Chip, cfg.GPIO.Simulate)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer chip.Close()

	sys, err := newSystem(cfg, chip, clock.Real{})
	if err != nil {
		return err
	}

	events := make(chan valve.Event, eventQueue)
	for _, v := range sys.valves {
		v.OnChange(func(e valve.Event) {
			select {
			case events <- e:
			default:
				log.Printf("event queue full, dropping %s %s", e.Valve.Name, e.Valve.State)
			}
		})
	}
	sys.sched.OnAction(func(a scheduler.Action) {
		metrics.ObserveScheduler(a)
	})
	sys.monitor.OnCutoff(metrics.ObserveCutoff)

	// Optional history
	var hist *history.Writer
	if cfg.Influx.URL != "" {
		hist, err = history.Open(history.Config{
			URL:     cfg.Influx.URL,
			Token:   cfg.Influx.Token,
			Org:     cfg.Influx.Org,
			Bucket:  cfg.Influx.Bucket,
			Channel: cfg.Influx.Channel,
		})
		if err != nil {
			return fmt.Errorf("init history: %w", err)
		}
		defer hist.Close()
		log.Printf("history: writing to %s bucket %s", cfg.Influx.URL, cfg.Influx.Bucket)
	}
	sys.hub.Subscribe("recorder", func(r depth.Reading) {
		metrics.ObserveDepth(r)
		if hist != nil {
			hist.RecordDepth(r)
		}
	})

	// Initialize MQTT
	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   cfg.MQTT.ClientID,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		BufferSize: cfg.MQTT.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()
	if err := publisher.SubscribeDepth(sys.hub); err != nil {
		log.Printf("depth subscription failed, retrying on reconnect: %v", err)
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		HeartbeatMs:       cfg.Heartbeat.Milliseconds(),
		Broker:            cfg.MQTT.Broker,
		HTTPAddr:          cfg.HTTP,
		DepthThreshold:    cfg.Scheduler.DepthThreshold,
		CriticalDepth:     cfg.Safety.CriticalDepth,
		UseStabilityLogic: cfg.SchedulerConfig().UseStabilityLogic,
		Window:            windowLabel(cfg),
	})
	tracker.SetSource(controllerStatus(sys.ctrl))
	if hist != nil {
		tracker.SetHistory(func() status.HistoryInfo {
			return status.HistoryInfo{WriteErrors: hist.Errors(), LastErrorAge: hist.LastErrorAge()}
		})
	}
	tracker.SetMQTTConnected(publisher.IsConnected())
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	sys.start()

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTP != "" {
		srv := web.New(cfg.HTTP, tracker, sys.ctrl)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		log.Printf("http status server listening on %s", cfg.HTTP)
	}

	log.Printf("started: valves=%d broker=%s heartbeat=%v simulated=%v",
		len(sys.valves), cfg.MQTT.Broker, cfg.Heartbeat, chip.Simulated())

	var heartbeat <-chan time.Time
	if cfg.Heartbeat > 0 {
		ticker := time.NewTicker(cfg.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var rec recorder
	if hist != nil {
		rec = hist
	}
	return runLoop(publisher, publisher, tracker, rec, events, heartbeat, sys.shutdown, time.Now, sigCh)
}

// recorder persists finished valve runs.
type recorder interface {
	RecordValve(e valve.Event)
}

// runLoop forwards valve transitions and heartbeats to MQTT until a signal
// arrives. On a signal it runs shutdown, flushes the transitions that
// produced, and publishes SHUTDOWN.
func runLoop(publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, rec recorder, events <-chan valve.Event, heartbeat <-chan time.Time, shutdown func() error, now func() time.Time, sig <-chan os.Signal) error {
	handle := func(e valve.Event) {
		metrics.ObserveValve(e)
		if rec != nil {
			rec.RecordValve(e)
		}
		if err := publisher.PublishValve(e); err != nil {
			log.Printf("publish error: %v", err)
			// Don't crash on publish failure
		}
	}

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			if shutdown != nil {
				if err := shutdown(); err != nil {
					log.Printf("%v", err)
				}
			}
			drain(events, handle)

			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case e := <-events:
			handle(e)

		case <-heartbeat:
			hbEvent := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "HEARTBEAT",
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				log.Printf("heartbeat: uptime=%v phase=%s total_24h=%.1fmin",
					snap.Uptime().Truncate(time.Second), snap.Controller.Sequence.Phase, snap.Controller.TotalMinutes24h)
				hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
			}
			if err := publisher.PublishSystem(hbEvent); err != nil {
				log.Printf("heartbeat publish error: %v", err)
			}
		}
	}
}

func drain(events <-chan valve.Event, handle func(valve.Event)) {
	for {
		select {
		case e := <-events:
			handle(e)
		default:
			return
		}
	}
}

func windowLabel(cfg *config.Config) string {
	if !cfg.Window.Enabled {
		return ""
	}
	enable, disable := cfg.Hours()
	return fmt.Sprintf("%02d:00-%02d:00 %s", enable, disable, cfg.Window.TimeZone)
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
