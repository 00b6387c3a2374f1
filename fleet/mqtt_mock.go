package fleet

import (
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err error
}

func NewMockToken(err error) *MockToken {
	return &MockToken{err: err}
}

func (t *MockToken) Wait() bool                              { return true }
func (t *MockToken) WaitTimeout(duration time.Duration) bool { return true }
func (t *MockToken) Error() error                            { return t.err }

func (t *MockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MockClient implements mqtt.Client for testing. Subscriptions honour the
// + and # wildcards when messages are simulated.
type MockClient struct {
	connected         bool
	connectError      error
	publishError      error
	subscribeError    error
	messageHandlers   map[string]mqtt.MessageHandler
	publishedMessages []MockMessage
	onConnect         mqtt.OnConnectHandler
	mu                sync.RWMutex
}

type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// NewMockClient creates a new mock MQTT client
func NewMockClient() *MockClient {
	return &MockClient{
		messageHandlers: make(map[string]mqtt.MessageHandler),
	}
}

func (c *MockClient) with(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// SetConnected forces the link state without running the connect handler.
func (c *MockClient) SetConnected(connected bool) { c.with(func() { c.connected = connected }) }

// SetConnectError makes Connect fail.
func (c *MockClient) SetConnectError(err error) { c.with(func() { c.connectError = err }) }

// SetPublishError makes every Publish fail while connected.
func (c *MockClient) SetPublishError(err error) { c.with(func() { c.publishError = err }) }

// SetSubscribeError makes every Subscribe fail while connected.
func (c *MockClient) SetSubscribeError(err error) { c.with(func() { c.subscribeError = err }) }

// SetOnConnect registers the handler run after a successful Connect.
func (c *MockClient) SetOnConnect(handler mqtt.OnConnectHandler) { c.with(func() { c.onConnect = handler }) }

// GetPublishedMessages returns all published messages
func (c *MockClient) GetPublishedMessages() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]MockMessage, len(c.publishedMessages))
	copy(result, c.publishedMessages)
	return result
}

// LastPublished returns the most recent message on topic.
func (c *MockClient) LastPublished(topic string) (MockMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.publishedMessages) - 1; i >= 0; i-- {
		if c.publishedMessages[i].Topic == topic {
			return c.publishedMessages[i], true
		}
	}
	return MockMessage{}, false
}

// Subscriptions returns the subscribed topic filters, sorted.
func (c *MockClient) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.messageHandlers))
	for t := range c.messageHandlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// SimulateMessage delivers a message to every matching subscription.
func (c *MockClient) SimulateMessage(topic string, payload []byte) {
	c.mu.RLock()
	var handlers []mqtt.MessageHandler
	for filter, h := range c.messageHandlers {
		if h != nil && topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(c, &mockMessage{topic: topic, payload: payload})
	}
}

// topicMatches applies MQTT filter semantics for + and #.
func topicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// IsConnected returns the connection status
func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsConnectionOpen returns whether the connection is open
func (c *MockClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

// Connect simulates connecting to the broker. The onConnect handler runs
// synchronously so tests can assert on subscriptions immediately.
func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.connectError
	if err == nil {
		c.connected = true
	}
	onConnect := c.onConnect
	c.mu.Unlock()

	if err == nil && onConnect != nil {
		onConnect(c)
	}
	return NewMockToken(err)
}

// Disconnect drops the link; subscriptions are kept for a reconnect.
func (c *MockClient) Disconnect(quiesce uint) { c.with(func() { c.connected = false }) }

// Publish records a message. Payloads other than []byte and string are
// stored empty.
func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.linkErrorLocked(c.publishError); err != nil {
		return NewMockToken(err)
	}

	msg := MockMessage{Topic: topic, QoS: qos, Retain: retained}
	switch v := payload.(type) {
	case []byte:
		msg.Payload = v
	case string:
		msg.Payload = []byte(v)
	}
	c.publishedMessages = append(c.publishedMessages, msg)
	return NewMockToken(nil)
}

// Subscribe records callback for a topic filter.
func (c *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.subscribe(callback, topic)
}

// SubscribeMultiple records one callback for several topic filters.
func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	topics := make([]string, 0, len(filters))
	for topic := range filters {
		topics = append(topics, topic)
	}
	return c.subscribe(callback, topics...)
}

func (c *MockClient) subscribe(callback mqtt.MessageHandler, topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.linkErrorLocked(c.subscribeError); err != nil {
		return NewMockToken(err)
	}
	for _, topic := range topics {
		c.messageHandlers[topic] = callback
	}
	return NewMockToken(nil)
}

// linkErrorLocked returns the error an operation sees: not connected
// first, then the configured failure.
func (c *MockClient) linkErrorLocked(configured error) error {
	if !c.connected {
		return mqtt.ErrNotConnected
	}
	return configured
}

// Unsubscribe forgets the given filters.
func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.with(func() {
		for _, topic := range topics {
			delete(c.messageHandlers, topic)
		}
	})
	return NewMockToken(nil)
}

// AddRoute registers a handler without subscribing, as paho does.
func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.with(func() { c.messageHandlers[topic] = callback })
}

// OptionsReader returns the client options (not implemented for mock)
func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// mockMessage implements mqtt.Message for testing
type mockMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return m.qos }
func (m *mockMessage) Retained() bool    { return m.retained }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
