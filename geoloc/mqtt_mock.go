package geoloc

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// doneToken is an already-completed mqtt.Token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MockMessage records one Publish call on a MockClient.
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory mqtt.Client for tests. Subscriptions are exact
// topic matches.
type MockClient struct {
	mu           sync.RWMutex
	connected    bool
	connectErr   error
	publishErr   error
	subscribeErr error
	handlers     map[string]mqtt.MessageHandler
	published    []MockMessage
	onConnect    mqtt.OnConnectHandler
}

// NewMockClient returns a disconnected mock. onConnect, if set, runs after
// a successful Connect the way paho calls OnConnectHandler.
func NewMockClient(onConnect mqtt.OnConnectHandler) *MockClient {
	return &MockClient{handlers: make(map[string]mqtt.MessageHandler), onConnect: onConnect}
}

// SetConnected forces the connection state.
func (c *MockClient) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// FailWith sets the errors returned by Connect, Publish and Subscribe.
func (c *MockClient) FailWith(connect, publish, subscribe error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr, c.publishErr, c.subscribeErr = connect, publish, subscribe
}

// Published returns a copy of all published messages.
func (c *MockClient) Published() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]MockMessage(nil), c.published...)
}

// Deliver hands payload to the handler subscribed to topic, if any, and
// reports whether one was found.
func (c *MockClient) Deliver(topic string, payload []byte) bool {
	c.mu.RLock()
	h := c.handlers[topic]
	c.mu.RUnlock()
	if h == nil {
		return false
	}
	h(c, &mockMessage{topic: topic, payload: payload})
	return true
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.connectErr
	if err == nil {
		c.connected = true
	}
	onConnect := c.onConnect
	c.mu.Unlock()

	if err == nil && onConnect != nil {
		onConnect(c)
	}
	return doneToken{err}
}

func (c *MockClient) Disconnect(uint) { c.SetConnected(false) }

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return doneToken{mqtt.ErrNotConnected}
	}
	if c.publishErr != nil {
		return doneToken{c.publishErr}
	}

	var body []byte
	switch v := payload.(type) {
	case []byte:
		body = v
	case string:
		body = []byte(v)
	}
	c.published = append(c.published, MockMessage{Topic: topic, Payload: body, QoS: qos, Retain: retained})
	return doneToken{}
}

func (c *MockClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: 0}, callback)
}

func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return doneToken{mqtt.ErrNotConnected}
	}
	if c.subscribeErr != nil {
		return doneToken{c.subscribeErr}
	}
	for topic := range filters {
		c.handlers[topic] = callback
	}
	return doneToken{}
}

func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return doneToken{}
}

func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// mockMessage implements mqtt.Message
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool     { return false }
func (m *mockMessage) Qos() byte           { return 0 }
func (m *mockMessage) Retained() bool      { return false }
func (m *mockMessage) Topic() string       { return m.topic }
func (m *mockMessage) MessageID() uint16   { return 0 }
func (m *mockMessage) Payload() []byte     { return m.payload }
func (m *mockMessage) Ack()                {}
func (m *mockMessage) AutoAckOff()         {}
func (m *mockMessage) AutoAckOn()          {}
func (m *mockMessage) SetAutoAck(bool)     {}
func (m *mockMessage) SetRetained(bool)    {}
func (m *mockMessage) SetQoS(byte)         {}
func (m *mockMessage) SetDuplicate(bool)   {}
func (m *mockMessage) SetMessageID(uint16) {}
