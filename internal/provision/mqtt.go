package provision

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTRequester performs the bootstrap round trip over a short-lived MQTT
// connection: subscribe the reply topic, publish the registration request,
// wait for one response.
type MQTTRequester struct {
	brokerURL string
	clientID  string
	tls       *tls.Config
	timeout   time.Duration
	logger    *log.Logger
}

func NewMQTTRequester(brokerURL, clientID string, tlsCfg *tls.Config, timeout time.Duration, logger *log.Logger) *MQTTRequester {
	return &MQTTRequester{
		brokerURL: brokerURL,
		clientID:  clientID,
		tls:       tlsCfg,
		timeout:   timeout,
		logger:    logger,
	}
}

func (r *MQTTRequester) Request(ctx context.Context, payload []byte) ([]byte, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(r.brokerURL).
		SetClientID(r.clientID).
		SetTLSConfig(r.tls).
		SetCleanSession(true).
		SetConnectTimeout(r.timeout).
		SetAutoReconnect(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("bootstrap connect: %w", token.Error())
	}
	defer client.Disconnect(250)

	replies := make(chan []byte, 1)
	replyTopic := "$bootstrap/registered/" + r.clientID
	h := func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case replies <- msg.Payload():
		default:
		}
	}
	if token := client.Subscribe(replyTopic, 1, h); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("bootstrap subscribe: %w", token.Error())
	}

	requestTopic := "$bootstrap/register/" + r.clientID
	if token := client.Publish(requestTopic, 1, false, payload); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("bootstrap publish: %w", token.Error())
	}
	r.logger.Printf("provision: request sent to %s, awaiting reply", requestTopic)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case resp := <-replies:
		return resp, nil
	case <-timer.C:
		return nil, errors.New("bootstrap response timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
