package fleet

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Publisher publishes coordinator outputs to MQTT as retained JSON. It
// implements EventSink.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	log           logrus.FieldLogger

	mu         sync.Mutex
	generation uint64
}

// NewPublisher creates a new event publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string, log logrus.FieldLogger) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // fire and forget at the sensor rate
		retain:        true, // late subscribers get the latest state
		log:           log.WithField("component", "publisher"),
	}
}

// slotMessage is the per-robot position payload.
type slotMessage struct {
	SlotPosition
	Timestamp time.Time `json:"timestamp"`
}

// PublishAssignment publishes every slot to its own topic and the full
// assignment to <prefix>/assignment.
func (p *Publisher) PublishAssignment(event CanonicalAssignmentEvent) error {
	if p.stale(event.Generation) {
		p.log.WithField("generation", event.Generation).Debug("dropping assignment from before a calibration reset")
		return nil
	}
	if err := p.ready(); err != nil {
		return err
	}
	for _, s := range event.Slots {
		topic := fmt.Sprintf("%s/robot_%d/position", p.publishPrefix, s.Slot)
		if err := p.publishJSON(topic, slotMessage{SlotPosition: s, Timestamp: event.Timestamp}); err != nil {
			return err
		}
	}
	return p.publishJSON(p.publishPrefix+"/assignment", event)
}

// PublishCalibration publishes the offset and its derived frames.
func (p *Publisher) PublishCalibration(offset CalibrationOffset) error {
	if p.stale(offset.Generation) {
		return nil
	}
	if err := p.ready(); err != nil {
		return err
	}
	if err := p.publishJSON(p.publishPrefix+"/calibration", offset); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"run": offset.RunID,
		"x":   offset.Offset.X,
		"y":   offset.Offset.Y,
		"z":   offset.Offset.Z,
	}).Info("published calibration")
	return nil
}

// PublishStatus publishes the coordinator status.
func (p *Publisher) PublishStatus(status Status) error {
	if p.stale(status.Generation) {
		return nil
	}
	if err := p.ready(); err != nil {
		return err
	}
	return p.publishJSON(p.publishPrefix+"/status", status)
}

// stale reports whether generation g is older than the newest seen, and
// otherwise records it. Retained topics must not fall back to output built
// before a calibration reset.
func (p *Publisher) stale(g uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g < p.generation {
		return true
	}
	p.generation = g
	return false
}

func (p *Publisher) ready() error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	return nil
}

func (p *Publisher) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
// Call it before the publisher is shared.
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
