package geoloc

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// RequestHandler is called for every message on the request topic. err is
// set when the payload could not be decoded.
type RequestHandler func(req GeolocationRequest, err error)

// MQTTClient manages the broker connection and the request subscription.
type MQTTClient struct {
	client      mqtt.Client
	config      MQTTConfig
	handler     RequestHandler
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client from config, with MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME and MQTT_PASSWORD taking precedence. It returns nil, nil when
// no broker is configured. Call Connect to start connecting.
func NewMQTTClient(config MQTTConfig, handler RequestHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = config.Broker
	}
	if broker == "" {
		Logf("MQTT disabled: no broker configured")
		return nil, nil
	}
	if config.RequestTopic == "" {
		return nil, errors.New("MQTT enabled but no request topic configured")
	}

	c := &MQTTClient{config: config, handler: handler}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = config.ClientID
	}
	if clientID == "" {
		clientID = "obliquegeo"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = config.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = config.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false) // Solve requests concurrently

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		Logf("MQTT reconnecting...")
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect connects in the background, retrying with exponential backoff
// until it succeeds or ctx is cancelled.
func (c *MQTTClient) Connect(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		Logf("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				Logf("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			Logf("MQTT connection failed: %v", token.Error())
		} else {
			Logf("MQTT connection timeout")
		}

		Logf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

// onConnect subscribes to the request topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := c.config.RequestTopic
	Logf("MQTT connected, subscribing to %s", topic)
	token := client.Subscribe(topic, 1, c.handleMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		Logf("Error subscribing to %s: %v", topic, token.Error())
		return
	}
	Logf("Successfully subscribed to %s", topic)
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	Logf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	Logf("Received geolocation request (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

	var req GeolocationRequest
	err := json.Unmarshal(payload, &req)
	if err != nil {
		Logf("Error decoding request: %v", err)
		err = errors.Wrap(err, "decoding request")
	}
	if c.handler != nil {
		c.handler(req, err)
	}
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
		Logf("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying MQTT client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// NewMQTTClientWith wraps an existing mqtt.Client, such as MockClient.
func NewMQTTClientWith(client mqtt.Client, config MQTTConfig, handler RequestHandler) *MQTTClient {
	return &MQTTClient{client: client, config: config, handler: handler}
}
