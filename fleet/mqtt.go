package fleet

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MessageHandlers receives the decoded routing of inbound MQTT messages.
type MessageHandlers interface {
	HandlePayload(payload []byte)
	HandleCondition(payload []byte)
	HandleStartPose(slot int, payload []byte)
	// HandleConnected runs after every (re)connect, once subscribed.
	HandleConnected()
}

// MQTTClient manages the MQTT connection and subscriptions for detection
// frames, the operating condition and start pose updates.
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	prefix      string
	handlers    MessageHandlers
	log         logrus.FieldLogger
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client from configuration. Environment variables
// override the broker and credentials. Call Start to connect.
func NewMQTTClient(config *Config, handlers MessageHandlers, log logrus.FieldLogger) (*MQTTClient, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: MQTT enabled but no configuration provided", ErrConfig)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = config.MQTT.Broker
	}
	if broker == "" {
		return nil, fmt.Errorf("%w: mqtt.broker is required", ErrConfig)
	}

	client := &MQTTClient{
		config:   config,
		prefix:   PublishPrefix(config),
		handlers: handlers,
		log:      log.WithField("component", "mqtt"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "puppeteer"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	// Detection frames must reach the coordinator in arrival order.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)
	return client, nil
}

// PublishPrefix returns the topic prefix, honouring MQTT_PUBLISH_PREFIX.
func PublishPrefix(config *Config) string {
	if prefix := os.Getenv("MQTT_PUBLISH_PREFIX"); prefix != "" {
		return prefix
	}
	if config != nil && config.MQTT.PublishPrefix != "" {
		return config.MQTT.PublishPrefix
	}
	return DefaultPublishPrefix
}

// Start connects in the background, retrying with exponential backoff
// until connected or ctx is cancelled.
func (c *MQTTClient) Start(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.log.Info("connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.log.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.log.WithError(token.Error()).Warn("MQTT connection failed")
		} else {
			c.log.Warn("MQTT connection timeout")
		}

		c.log.Infof("retrying MQTT connection in %v", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Topics returns the subscriptions made on every connect.
func (c *MQTTClient) Topics() []string {
	topics := []string{c.config.MQTT.DetectionTopic, c.config.MQTT.ConditionTopic, c.prefix + "/+/start_pose"}
	out := topics[:0]
	for _, t := range topics {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.log.Info("MQTT connected, subscribing")
	c.setConnected(true)
	c.subscribeAll(client)
	if c.handlers != nil {
		c.handlers.HandleConnected()
	}
}

// SubscribeAll (re)subscribes every topic on the current connection.
func (c *MQTTClient) SubscribeAll() {
	c.setConnected(c.client.IsConnected())
	c.subscribeAll(c.client)
}

func (c *MQTTClient) subscribeAll(client mqtt.Client) {
	subs := map[string]mqtt.MessageHandler{
		c.config.MQTT.DetectionTopic: c.handleDetection,
		c.config.MQTT.ConditionTopic: c.handleCondition,
		c.prefix + "/+/start_pose":   c.handleStartPose,
	}
	for _, topic := range c.Topics() {
		token := client.Subscribe(topic, 0, subs[topic])
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.log.WithError(token.Error()).WithField("topic", topic).Error("subscribe failed")
			continue
		}
		c.log.WithField("topic", topic).Info("subscribed")
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.log.WithError(err).Warn("MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.log.Info("MQTT reconnecting")
}

func (c *MQTTClient) handleDetection(client mqtt.Client, msg mqtt.Message) {
	if c.handlers != nil {
		c.handlers.HandlePayload(msg.Payload())
	}
}

func (c *MQTTClient) handleCondition(client mqtt.Client, msg mqtt.Message) {
	c.log.WithFields(logrus.Fields{"topic": msg.Topic(), "size": len(msg.Payload())}).Debug("condition update")
	if c.handlers != nil {
		c.handlers.HandleCondition(msg.Payload())
	}
}

func (c *MQTTClient) handleStartPose(client mqtt.Client, msg mqtt.Message) {
	slot, ok := ParseStartPoseTopic(c.prefix, msg.Topic())
	if !ok {
		c.log.WithField("topic", msg.Topic()).Warn("ignoring start pose on unrecognised topic")
		return
	}
	if c.handlers != nil {
		c.handlers.HandleStartPose(slot, msg.Payload())
	}
}

// ParseStartPoseTopic extracts the slot from "<prefix>/robot_<n>/start_pose".
func ParseStartPoseTopic(prefix, topic string) (int, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return 0, false
	}
	name, ok := strings.CutSuffix(rest, "/start_pose")
	if !ok {
		return 0, false
	}
	num, ok := strings.CutPrefix(name, "robot_")
	if !ok {
		return 0, false
	}
	slot, err := strconv.Atoi(num)
	if err != nil || slot < 1 {
		return 0, false
	}
	return slot, true
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.log.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// NewMQTTClientWith wraps an existing mqtt.Client, such as MockClient.
// The caller owns connecting it. Clients that accept a connect handler
// get the same one the paho options would carry.
func NewMQTTClientWith(client mqtt.Client, config *Config, handlers MessageHandlers, log logrus.FieldLogger) *MQTTClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &MQTTClient{
		client:   client,
		config:   config,
		prefix:   PublishPrefix(config),
		handlers: handlers,
		log:      log.WithField("component", "mqtt"),
	}
	if hc, ok := client.(interface{ SetOnConnect(mqtt.OnConnectHandler) }); ok {
		hc.SetOnConnect(c.onConnect)
	}
	return c
}
