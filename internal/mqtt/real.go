package mqtt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/irrigation-controller/internal/valve"
)

// Defaults for Options.
const (
	DefaultClientID        = "irrigation-controller"
	DefaultBufferSize      = 256
	DefaultConnectAttempts = 5
	DefaultConnectTimeout  = 10 * time.Second
	publishTimeout         = 5 * time.Second
)

// Options configures the broker connection.
type Options struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	BufferSize      int // messages kept while disconnected
	ConnectAttempts int
	ConnectTimeout  time.Duration
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = DefaultClientID
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = DefaultConnectAttempts
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// RealPublisher talks to an actual broker. While the connection is down,
// published messages go to a ring buffer and are replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	now    func() time.Time

	mu        sync.Mutex
	buf       *ringBuffer
	depth     DepthSink
	connected bool
	everUp    bool
}

// NewRealPublisher connects to the broker, retrying with exponential backoff.
// Once connected, paho reconnects on its own.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	opts = opts.withDefaults()
	p := &RealPublisher{
		now: opts.Now,
		buf: newRingBuffer(opts.BufferSize),
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: opts.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)
	p.client = paho.NewClient(co)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	err = backoff.Retry(func() error {
		token := p.client.Connect()
		if !token.WaitTimeout(opts.ConnectTimeout) {
			log.Printf("mqtt: connect to %s timed out", opts.Broker)
			return errors.New("connection timeout")
		}
		if err := token.Error(); err != nil {
			log.Printf("mqtt: connect to %s: %v", opts.Broker, err)
			return err
		}
		return nil
	}, backoff.WithMaxRetries(bo, uint64(opts.ConnectAttempts-1)))
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", opts.Broker, err)
	}
	log.Printf("mqtt: connected to %s", opts.Broker)
	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	reconnect := p.everUp
	p.everUp = true
	p.connected = true
	pending, dropped := p.buf.drain()
	sink := p.depth
	p.mu.Unlock()

	if sink != nil {
		if err := p.subscribeDepth(sink); err != nil {
			log.Printf("mqtt: resubscribe: %v", err)
		}
	}
	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		c.Publish(TopicSystem, 1, true, payload)
	}
	if len(pending) > 0 {
		log.Printf("mqtt: replaying %d buffered messages (%d dropped)", len(pending), dropped)
	}
	for _, m := range pending {
		if err := p.send(m); err != nil {
			log.Printf("mqtt: replay to %s: %v", m.topic, err)
		}
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	log.Printf("mqtt: connection lost: %v", err)
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// PublishValve sends a valve transition at QoS 0.
func (p *RealPublisher) PublishValve(event valve.Event) error {
	payload, err := FormatValvePayload(event)
	if err != nil {
		return fmt.Errorf("format valve payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: TopicValves, payload: payload})
}

// PublishSystem sends a lifecycle event at QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	p.mu.Lock()
	if !p.connected {
		p.buf.push(m)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.send(m); err != nil {
		p.mu.Lock()
		p.buf.push(m)
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

// SubscribeDepth forwards readings on TopicDepth to sink. The subscription is
// renewed after every reconnect.
func (p *RealPublisher) SubscribeDepth(sink DepthSink) error {
	p.mu.Lock()
	p.depth = sink
	p.mu.Unlock()
	return p.subscribeDepth(sink)
}

func (p *RealPublisher) subscribeDepth(sink DepthSink) error {
	token := p.client.Subscribe(TopicDepth, 0, func(_ paho.Client, msg paho.Message) {
		HandleDepth(sink, msg.Payload(), p.now())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", TopicDepth)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicDepth, err)
	}
	return nil
}

// HandleDepth decodes payload and hands it to sink. Bad messages are logged
// and dropped.
func HandleDepth(sink DepthSink, payload []byte, received time.Time) {
	d, raw, ts, err := ParseDepth(payload, received)
	if err != nil {
		log.Printf("mqtt: %v", err)
		return
	}
	sink.Publish(d, raw, ts)
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.mu.Lock()
	n := p.buf.len()
	p.mu.Unlock()
	if n > 0 {
		log.Printf("mqtt: closing with %d unsent messages", n)
	}
	p.client.Disconnect(1000)
	return nil
}
