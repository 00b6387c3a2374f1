package fleet

import (
	"sort"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandlers captures routed MQTT payloads.
type recordingHandlers struct {
	mu         sync.Mutex
	payloads   [][]byte
	conditions [][]byte
	poses      map[int][]byte
	connects   int
}

func newRecordingHandlers() *recordingHandlers {
	return &recordingHandlers{poses: make(map[int][]byte)}
}

func (h *recordingHandlers) HandlePayload(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
}

func (h *recordingHandlers) HandleCondition(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conditions = append(h.conditions, payload)
}

func (h *recordingHandlers) HandleStartPose(slot int, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.poses[slot] = payload
}

func (h *recordingHandlers) HandleConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
}

func mqttTestConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			PublishPrefix:  "rig",
			DetectionTopic: "tracker/detections",
			ConditionTopic: "rig/operating_condition",
		},
		Robots: []RobotConfig{{ID: "red"}, {ID: "blue"}},
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewMQTTClient(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	client, err := NewMQTTClient(mqttTestConfig(), newRecordingHandlers(), nil)
	require.NoError(t, err)
	assert.NotNil(t, client.GetClient())
	assert.False(t, client.IsConnected())

	_, err = NewMQTTClient(nil, nil, nil)
	assert.ErrorIs(t, err, ErrConfig)

	cfg := mqttTestConfig()
	cfg.MQTT.Broker = ""
	_, err = NewMQTTClient(cfg, nil, nil)
	assert.ErrorIs(t, err, ErrConfig)

	t.Setenv("MQTT_BROKER", "tcp://env-broker:1883")
	_, err = NewMQTTClient(cfg, nil, nil)
	assert.NoError(t, err, "MQTT_BROKER overrides an empty config")
}

func TestPublishPrefix(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	assert.Equal(t, "rig", PublishPrefix(mqttTestConfig()))
	assert.Equal(t, DefaultPublishPrefix, PublishPrefix(&Config{}))
	assert.Equal(t, DefaultPublishPrefix, PublishPrefix(nil))

	t.Setenv("MQTT_PUBLISH_PREFIX", "lab")
	assert.Equal(t, "lab", PublishPrefix(mqttTestConfig()))
}

func TestMQTTClient_IsConnected(t *testing.T) {
	client := &MQTTClient{}
	assert.False(t, client.IsConnected(), "New client should not be connected")
	client.setConnected(true)
	assert.True(t, client.IsConnected())
	client.setConnected(false)
	assert.False(t, client.IsConnected())
}

// ---------------------------------------------------------------------------
// Subscriptions and routing
// ---------------------------------------------------------------------------

func TestMQTTClient_SubscribesOnConnect(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	log, _ := test.NewNullLogger()
	handlers := newRecordingHandlers()
	client := NewMQTTClientWith(mock, mqttTestConfig(), handlers, log)

	token := mock.Connect()
	require.NoError(t, token.Error())

	assert.True(t, client.IsConnected())
	assert.Equal(t, 1, handlers.connects)
	assert.Equal(t, []string{
		"rig/+/start_pose",
		"rig/operating_condition",
		"tracker/detections",
	}, mock.Subscriptions())
	assert.Equal(t, mock.Subscriptions(), sortedCopy(client.Topics()))
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestMQTTClient_RoutesMessages(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	mock.SetConnected(true)
	handlers := newRecordingHandlers()
	log, _ := test.NewNullLogger()
	client := NewMQTTClientWith(mock, mqttTestConfig(), handlers, log)
	client.SubscribeAll()

	mock.SimulateMessage("tracker/detections", []byte(`{"points":[]}`))
	mock.SimulateMessage("rig/operating_condition", []byte(`running`))
	mock.SimulateMessage("rig/robot_2/start_pose", []byte(`{"x":1,"y":2,"z":3}`))
	mock.SimulateMessage("rig/robot_x/start_pose", []byte(`{}`))
	mock.SimulateMessage("other/topic", []byte(`ignored`))

	handlers.mu.Lock()
	defer handlers.mu.Unlock()
	require.Len(t, handlers.payloads, 1)
	assert.Equal(t, `{"points":[]}`, string(handlers.payloads[0]))
	require.Len(t, handlers.conditions, 1)
	assert.Equal(t, "running", string(handlers.conditions[0]))
	assert.Equal(t, map[int][]byte{2: []byte(`{"x":1,"y":2,"z":3}`)}, handlers.poses)
}

func TestMQTTClient_SubscribeFailureIsLogged(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetSubscribeError(assert.AnError)
	log, hook := test.NewNullLogger()
	client := NewMQTTClientWith(mock, mqttTestConfig(), nil, log)

	client.SubscribeAll()
	assert.Empty(t, mock.Subscriptions())

	var failures int
	for _, e := range hook.AllEntries() {
		if e.Message == "subscribe failed" {
			failures++
		}
	}
	assert.Equal(t, 3, failures)
}

func TestMQTTClient_Disconnect(t *testing.T) {
	mock := NewMockClient()
	client := NewMQTTClientWith(mock, mqttTestConfig(), nil, nil)
	mock.Connect()
	require.True(t, client.IsConnected())

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mock.IsConnected())
}

func TestParseStartPoseTopic(t *testing.T) {
	tests := []struct {
		topic    string
		wantSlot int
		wantOK   bool
	}{
		{"rig/robot_1/start_pose", 1, true},
		{"rig/robot_12/start_pose", 12, true},
		{"rig/robot_0/start_pose", 0, false},
		{"rig/robot_/start_pose", 0, false},
		{"rig/robot_1/position", 0, false},
		{"other/robot_1/start_pose", 0, false},
		{"rig/red/start_pose", 0, false},
	}
	for _, tt := range tests {
		slot, ok := ParseStartPoseTopic("rig", tt.topic)
		if slot != tt.wantSlot || ok != tt.wantOK {
			t.Errorf("ParseStartPoseTopic(%q) = (%d, %v), want (%d, %v)", tt.topic, slot, ok, tt.wantSlot, tt.wantOK)
		}
	}
}
