package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/pebbe/zmq4"
)

// ZMQPublisher sends each point as a two-frame [topic, body] message on a
// bound PUB socket.
type ZMQPublisher struct {
	mu     sync.Mutex
	socket *zmq4.Socket
	topic  string
	format Format
}

func NewZMQPublisher(endpoint, topic string, format Format) (*ZMQPublisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("zmq bind %s: %w", endpoint, err)
	}
	return &ZMQPublisher{socket: socket, topic: topic, format: format}, nil
}

func (z *ZMQPublisher) Name() string { return "zmq" }

func (z *ZMQPublisher) Publish(_ context.Context, p Point) error {
	body, err := Encode(p, z.format)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, err := z.socket.SendMessage(z.topic, body); err != nil {
		return fmt.Errorf("zmq send: %w", err)
	}
	return nil
}

func (z *ZMQPublisher) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.socket.Close()
}
