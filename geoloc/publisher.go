package geoloc

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// adhocTopic is used for responses to requests that carry a frame but no
// image ID.
const adhocTopic = "adhoc"

// Publisher publishes geolocation responses to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        map[string]*GeolocationResponse
	mu            sync.RWMutex
}

// NewPublisher creates a response publisher. An empty prefix falls back to
// MQTT_PUBLISH_PREFIX and then "obliquegeo".
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = os.Getenv("MQTT_PUBLISH_PREFIX")
	}
	if prefix == "" {
		prefix = "obliquegeo"
	}

	return &Publisher{
		client:        client,
		publishPrefix: strings.TrimRight(prefix, "/"),
		qos:           1,
		retain:        true, // Retain the latest answer per image
		latest:        make(map[string]*GeolocationResponse),
	}
}

// PublishResponse publishes resp to <prefix>/<imageId> and <prefix>/latest.
func (p *Publisher) PublishResponse(resp *GeolocationResponse) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("MQTT client not connected")
	}
	if resp.Timestamp == 0 {
		resp.Timestamp = time.Now().Unix()
	}

	key := resp.ImageID
	if key == "" {
		key = adhocTopic
	}

	p.mu.Lock()
	stored := *resp
	p.latest[key] = &stored
	p.mu.Unlock()

	payload, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "marshaling response")
	}

	for _, topic := range []string{p.Topic(key), p.Topic("latest")} {
		if err := p.publish(topic, payload); err != nil {
			Logf("Error publishing response %s: %v", resp.RequestID, err)
			return err
		}
	}

	Logf("Published %d result(s) for %s (request %s)", len(resp.Results), key, resp.RequestID)
	return nil
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing to %s", topic)
	}
	return nil
}

// Topic returns the full topic for a suffix.
func (p *Publisher) Topic(suffix string) string {
	return p.publishPrefix + "/" + suffix
}

// GetLatest returns the last response published for an image ID.
func (p *Publisher) GetLatest(imageID string) (*GeolocationResponse, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if imageID == "" {
		imageID = adhocTopic
	}
	resp, ok := p.latest[imageID]
	if !ok {
		return nil, false
	}
	copied := *resp
	return &copied, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
