package mqtt

import (
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// Handler receives one message of a subscription.
type Handler func(topic string, payload []byte)

// Bus is the publish/subscribe surface the bridge needs from a broker client.
type Bus interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, h Handler) error
	Unsubscribe(topics ...string) error
}

// PahoBus adapts a paho client to Bus. Every call waits for its token.
type PahoBus struct {
	client paho.Client
	qos    byte
}

func NewPahoBus(client paho.Client, qos byte) *PahoBus {
	return &PahoBus{client: client, qos: qos}
}

func (b *PahoBus) Publish(topic string, payload []byte, retained bool) error {
	if token := b.client.Publish(topic, b.qos, retained, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "MQTT publish to %s failed", topic)
	}

	return nil
}

func (b *PahoBus) Subscribe(topic string, h Handler) error {
	handler := func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	}
	if token := b.client.Subscribe(topic, b.qos, handler); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "MQTT subscription to %s failed", topic)
	}

	return nil
}

func (b *PahoBus) Unsubscribe(topics ...string) error {
	if token := b.client.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "MQTT unsubscribe from %v failed", topics)
	}

	return nil
}
