package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the broker is unreachable are kept in a ring buffer and replayed, oldest
// first, when the connection comes back.
type RealPublisher struct {
	client paho.Client

	mu        sync.Mutex
	buffer    *ringBuffer
	replaying bool
}

// NewRealPublisher creates a publisher for the given broker. It does not
// connect; call Connect.
func NewRealPublisher(broker, clientID string, bufferSize int) *RealPublisher {
	p := &RealPublisher{buffer: newRingBuffer(bufferSize)}

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	p.client = paho.NewClient(opts)
	return p
}

// Connect retries the initial connection with exponential backoff until it
// succeeds, ctx is cancelled or maxElapsed has passed (0 retries forever).
// After the first success paho reconnects on its own.
func (p *RealPublisher) Connect(ctx context.Context, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	bo.MaxInterval = time.Minute

	op := func() error {
		token := p.client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return errors.New("connection timeout")
		}
		return token.Error()
	}
	notify := func(err error, next time.Duration) {
		log.Printf("mqtt: connect failed: %v (retry in %v)", err, next.Truncate(time.Millisecond))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// onConnect runs on every successful (re)connection. RECONNECTED is queued
// behind the backlog, and live messages queue behind it until the replay has
// drained the buffer, so the broker sees events in the order they happened.
func (p *RealPublisher) onConnect(_ paho.Client) {
	log.Printf("mqtt: connected")
	reconnected, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})

	p.mu.Lock()
	p.buffer.push(bufferedMsg{topic: TopicSystem, payload: reconnected, qos: 1})
	start := !p.replaying
	p.replaying = true
	p.mu.Unlock()

	// paho handlers must not block on publish tokens.
	if start {
		go p.replay()
	}
}

// replay sends buffered messages oldest first until the buffer is empty. On a
// send failure the unsent messages go back ahead of anything queued since.
func (p *RealPublisher) replay() {
	for {
		p.mu.Lock()
		msgs := p.buffer.drainAll()
		if len(msgs) == 0 {
			p.replaying = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		for i, m := range msgs {
			if err := p.send(m); err != nil {
				log.Printf("mqtt: replay stopped: %v", err)
				p.mu.Lock()
				newer := p.buffer.drainAll()
				for _, rest := range msgs[i:] {
					p.buffer.push(rest)
				}
				for _, n := range newer {
					p.buffer.push(n)
				}
				p.replaying = false
				p.mu.Unlock()
				return
			}
		}
	}
}

// Publish sends an output event to the MQTT broker.
func (p *RealPublisher) Publish(event Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.publish(bufferedMsg{topic: Topic, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return p.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	p.mu.Lock()
	if p.replaying || !p.client.IsConnectionOpen() {
		p.buffer.push(m)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.send(m); err != nil {
		p.mu.Lock()
		p.buffer.push(m)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// Buffered returns the number of messages waiting for the broker.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// IsConnected reports whether the broker connection is currently open.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(1000) // 1 second timeout
	}
	return nil
}
