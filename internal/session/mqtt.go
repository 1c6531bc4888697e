package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hydrotel/edge-agent/internal/provision"
)

// Topic layout under the assigned endpoint. Attributes ride the events
// topic as a url-encoded property bag suffix.
const (
	eventsTopicFmt      = "devices/%s/messages/events/%s"
	twinDesiredTopicFmt = "devices/%s/twin/desired"
	twinGetTopicFmt     = "devices/%s/twin/get"
	twinResTopicFmt     = "devices/%s/twin/res"
	twinReportTopicFmt  = "devices/%s/twin/reported"
)

type MQTTSession struct {
	cred      *provision.Credential
	qos       byte
	keepAlive time.Duration
	logger    *log.Logger

	client mqtt.Client

	mu      sync.Mutex
	handler ConfigHandler
}

func NewMQTTSession(cred *provision.Credential, qos byte, keepAlive time.Duration, logger *log.Logger) *MQTTSession {
	return &MQTTSession{cred: cred, qos: qos, keepAlive: keepAlive, logger: logger}
}

func (s *MQTTSession) Open(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cred.Endpoint).
		SetClientID(s.cred.DeviceID).
		SetUsername(s.cred.DeviceID).
		SetPassword(s.cred.Token).
		SetTLSConfig(s.cred.TLS).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(s.keepAlive).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true)

	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Printf("session: connected to %s as %s", s.cred.Endpoint, s.cred.DeviceID)
		s.mu.Lock()
		registered := s.handler != nil
		s.mu.Unlock()
		if registered {
			s.subscribeDesired(c)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Printf("session: connection lost: %v", err)
	}

	s.client = mqtt.NewClient(opts)
	return s.connectWithBackoff(ctx, 2*time.Second, 30*time.Second)
}

func (s *MQTTSession) connectWithBackoff(ctx context.Context, start, max time.Duration) error {
	backoff := start
	for {
		token := s.client.Connect()
		token.Wait()
		if token.Error() == nil {
			return nil
		}
		s.logger.Printf("session: connect error: %v; retrying in %s", token.Error(), backoff)
		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		case <-ctx.Done():
			return fmt.Errorf("session: connect aborted: %w", ctx.Err())
		}
	}
}

func (s *MQTTSession) Send(_ context.Context, payload []byte, attrs map[string]string) error {
	topic := fmt.Sprintf(eventsTopicFmt, s.cred.DeviceID, encodeAttributes(attrs))
	token := s.client.Publish(topic, s.qos, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("session: publish: %w", token.Error())
	}
	return nil
}

func (s *MQTTSession) SubscribeConfigChange(fn ConfigHandler) {
	s.mu.Lock()
	s.handler = fn
	c := s.client
	s.mu.Unlock()
	if c != nil && c.IsConnected() {
		s.subscribeDesired(c)
	}
}

func (s *MQTTSession) subscribeDesired(c mqtt.Client) {
	topic := fmt.Sprintf(twinDesiredTopicFmt, s.cred.DeviceID)
	h := func(_ mqtt.Client, msg mqtt.Message) {
		desired, err := decodeConfig(msg.Payload())
		if err != nil {
			s.logger.Printf("session: dropping malformed desired config: %v", err)
			return
		}
		s.mu.Lock()
		fn := s.handler
		s.mu.Unlock()
		if fn != nil {
			fn(desired)
		}
	}
	if token := c.Subscribe(topic, s.qos, h); token.Wait() && token.Error() != nil {
		s.logger.Printf("session: subscribe %s: %v", topic, token.Error())
	}
}

// FullConfig publishes a twin read request and waits for the endpoint's
// response on the res topic.
func (s *MQTTSession) FullConfig(ctx context.Context) (map[string]string, error) {
	resTopic := fmt.Sprintf(twinResTopicFmt, s.cred.DeviceID)
	replies := make(chan []byte, 1)
	h := func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case replies <- msg.Payload():
		default:
		}
	}
	if token := s.client.Subscribe(resTopic, s.qos, h); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("session: subscribe twin res: %w", token.Error())
	}
	defer s.client.Unsubscribe(resTopic)

	getTopic := fmt.Sprintf(twinGetTopicFmt, s.cred.DeviceID)
	if token := s.client.Publish(getTopic, s.qos, false, []byte("{}")); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("session: twin read request: %w", token.Error())
	}

	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()
	select {
	case payload := <-replies:
		return decodeConfig(payload)
	case <-timer.C:
		return nil, errors.New("session: twin read timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MQTTSession) ReportConfig(_ context.Context, reported map[string]string) error {
	payload, err := json.Marshal(reported)
	if err != nil {
		return fmt.Errorf("session: encode reported config: %w", err)
	}
	topic := fmt.Sprintf(twinReportTopicFmt, s.cred.DeviceID)
	token := s.client.Publish(topic, s.qos, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("session: report config: %w", token.Error())
	}
	return nil
}

func (s *MQTTSession) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
		s.logger.Printf("session: closed")
	}
}

func encodeAttributes(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	v := url.Values{}
	for k, val := range attrs {
		v.Set(k, val)
	}
	return v.Encode()
}

func decodeConfig(payload []byte) (map[string]string, error) {
	cfg := map[string]string{}
	if len(payload) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
