package mocks

import (
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PublishedMessage is one message captured by FakeBroker.
type PublishedMessage struct {
	Topic   string
	QOS     byte
	Payload []byte
}

// FakeBroker records publishes instead of sending them. Every publish
// completes immediately with PublishErr. Published, when set, receives a
// copy of each message.
type FakeBroker struct {
	PublishErr error
	Published  chan PublishedMessage

	mu           sync.Mutex
	messages     []PublishedMessage
	disconnected bool
}

func (b *FakeBroker) Connect() mqtt.Token { return DoneToken{} }

func (b *FakeBroker) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	msg := PublishedMessage{Topic: topic, QOS: qos, Payload: body}

	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()

	if b.Published != nil {
		b.Published <- msg
	}
	return DoneToken{Err: b.PublishErr}
}

func (b *FakeBroker) Disconnect(uint) {
	b.mu.Lock()
	b.disconnected = true
	b.mu.Unlock()
}

// Messages returns everything published so far.
func (b *FakeBroker) Messages() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PublishedMessage(nil), b.messages...)
}
