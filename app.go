package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kwv/puppeteer/fleet"
)

// App holds the wired service components.
type App struct {
	Config       *fleet.Config
	Coordinator  *fleet.Coordinator
	Runner       *fleet.Runner
	StateTracker *fleet.StateTracker
	Metrics      *fleet.Metrics
	MQTTClient   *fleet.MQTTClient
	Publisher    *fleet.Publisher
	Live         *fleet.LiveRenderer
	Vector       *fleet.VectorRenderer

	log logrus.FieldLogger
}

// AppOptions controls how NewApp wires the service.
type AppOptions struct {
	// Registerer receives the metrics; nil uses the global registry.
	Registerer prometheus.Registerer
	// MQTT enables the broker connection.
	MQTT bool
	// Client replaces the paho client, for tests. Implies MQTT.
	Client mqtt.Client
	Logger logrus.FieldLogger
}

// NewApp builds the coordinator and everything around it. Configuration
// errors are fatal: nothing is started.
func NewApp(cfg *fleet.Config, opts AppOptions) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	metrics, err := fleet.NewMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	coord, err := fleet.NewCoordinatorFromConfig(cfg, metrics, log)
	if err != nil {
		return nil, err
	}
	arena, err := cfg.BuildArena()
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:       cfg,
		Coordinator:  coord,
		StateTracker: fleet.NewStateTracker(coord.Slots(), cfg.Starts(), arena),
		Metrics:      metrics,
		Live:         fleet.NewLiveRenderer(),
		Vector:       fleet.NewVectorRenderer(),
		log:          log,
	}

	sinks := fleet.MultiSink{app.StateTracker}
	if opts.MQTT || opts.Client != nil {
		if err := cfg.ValidateService(); err != nil && opts.Client == nil {
			return nil, err
		}
		client := opts.Client
		if client == nil {
			// Handlers are bound below once the runner exists.
			app.MQTTClient, err = fleet.NewMQTTClient(cfg, (*appHandlers)(app), log)
			if err != nil {
				return nil, err
			}
			client = app.MQTTClient.GetClient()
		} else {
			app.MQTTClient = fleet.NewMQTTClientWith(client, cfg, (*appHandlers)(app), log)
		}
		app.Publisher = fleet.NewPublisher(client, fleet.PublishPrefix(cfg), log)
		app.Publisher.SetQoS(byte(cfg.MQTT.QoS))
		if cfg.MQTT.Retain != nil {
			app.Publisher.SetRetain(*cfg.MQTT.Retain)
		}
		sinks = append(sinks, app.Publisher)
	}

	app.Runner = fleet.NewRunner(coord, sinks, app.StateTracker, cfg.Coordinator.TickInterval, log)
	return app, nil
}

// appHandlers forwards MQTT messages to the runner, which is created after
// the MQTT client.
type appHandlers App

func (h *appHandlers) HandlePayload(payload []byte) {
	h.Runner.HandlePayload(payload)
}

func (h *appHandlers) HandleCondition(payload []byte) {
	h.Runner.HandleCondition(payload)
}

func (h *appHandlers) HandleStartPose(slot int, payload []byte) {
	h.Runner.HandleStartPose(slot, payload)
}

func (h *appHandlers) HandleConnected() {
	h.Runner.HandleConnected()
}

// RunService runs the MQTT and HTTP service until interrupted.
func (a *App) RunService(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.WithFields(logrus.Fields{
		"robots":  len(a.Config.Robots),
		"matcher": a.Config.Coordinator.Matcher,
		"tick":    a.Config.Coordinator.TickInterval,
	}).Info("starting puppeteer service")

	if a.MQTTClient != nil {
		a.MQTTClient.Start(ctx)
		defer a.MQTTClient.Disconnect()
	}

	addr := fmt.Sprintf(":%d", a.Config.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		a.log.WithField("addr", addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Runner.Run(ctx) }()

	var err error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err = <-httpErr:
		err = fmt.Errorf("HTTP server: %w", err)
		stop()
	}
	<-runErr

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		a.log.WithError(shutdownErr).Warn("HTTP shutdown")
	}
	return err
}

// printSink writes coordinator events as JSON lines.
type printSink struct {
	enc *json.Encoder
}

func newPrintSink(w io.Writer) *printSink {
	return &printSink{enc: json.NewEncoder(w)}
}

type printedEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (p *printSink) PublishAssignment(event fleet.CanonicalAssignmentEvent) error {
	return p.enc.Encode(printedEvent{Type: "assignment", Data: event})
}

func (p *printSink) PublishCalibration(offset fleet.CalibrationOffset) error {
	return p.enc.Encode(printedEvent{Type: "calibration", Data: offset})
}

func (p *printSink) PublishStatus(status fleet.Status) error {
	return p.enc.Encode(printedEvent{Type: "status", Data: status})
}

// RunReplay feeds a JSON-lines file of detection messages through a
// running coordinator and prints every event.
func RunReplay(cfg *fleet.Config, in io.Reader, out io.Writer, log logrus.FieldLogger) error {
	coord, err := fleet.NewCoordinatorFromConfig(cfg, nil, log)
	if err != nil {
		return err
	}
	runner := fleet.NewRunner(coord, newPrintSink(out), nil, cfg.Coordinator.TickInterval, log)

	runner.Tick()
	if !coord.Status().OrderReady {
		_, err := fleet.BootstrapOrder(cfg.Starts())
		return fmt.Errorf("replay needs every start pose in the config: %w", err)
	}
	runner.SetCondition(fleet.ConditionRunning)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		event, err := fleet.DecodePositionUpdate(data, time.Time{})
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Unix(0, 0).Add(time.Duration(line) * cfg.Coordinator.TickInterval).UTC()
		}
		runner.HandleEvent(event)
	}
	return scanner.Err()
}

// CheckConfig prints a summary of a validated configuration.
func CheckConfig(cfg *fleet.Config, out io.Writer) error {
	table, err := fleet.GeneratePermutations(len(cfg.Robots))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "robots: %d (permutation table: %d rows, matcher: %s)\n",
		len(cfg.Robots), table.Len(), cfg.Coordinator.Matcher)
	for _, s := range cfg.Slots() {
		start := "pending"
		if p := cfg.Starts()[s.Slot-1]; p != nil {
			start = fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Z)
		}
		fmt.Fprintf(out, "  slot %d: %-12s radius=%.4f start=%s\n", s.Slot, s.ID, s.Radius, start)
	}

	order, err := fleet.BootstrapOrder(cfg.Starts())
	switch {
	case err == nil:
		fmt.Fprintf(out, "reference order: %v\n", []int(order))
	case errors.Is(err, fleet.ErrNotReady):
		fmt.Fprintf(out, "reference order: pending (%v)\n", err)
	default:
		return err
	}

	if err := cfg.ValidateService(); err != nil {
		fmt.Fprintf(out, "service: not runnable: %v\n", err)
	} else {
		fmt.Fprintf(out, "service: broker %s, detections on %s\n", cfg.MQTT.Broker, cfg.MQTT.DetectionTopic)
	}
	return nil
}

func parseSlot(s string) (int, error) {
	slot, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid slot %q", s)
	}
	return slot, nil
}
