package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/iono-daq/internal/alarm"
	"github.com/sweeney/iono-daq/internal/channel"
	"github.com/sweeney/iono-daq/internal/logging"
)

const publishTimeout = 5 * time.Second

// ErrNotDelivered is returned when a message could neither be sent nor queued.
var ErrNotDelivered = errors.New("mqtt: message not delivered")

// Config configures a RealPublisher.
type Config struct {
	Broker     string
	ClientID   string
	Prefix     string
	Station    string
	BufferSize int // messages kept while disconnected; 0 disables buffering

	// OnStatus, if set, is called with the connection state on every change.
	OnStatus func(connected bool)

	// OnBacklog, if set, is called with the backlog size and the total number
	// of evicted messages whenever the backlog changes.
	OnBacklog func(buffered int, dropped uint64)
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the broker is unreachable are kept in a bounded backlog and replayed in
// order on reconnect.
type RealPublisher struct {
	client  paho.Client
	prefix  string
	station string
	now     func() time.Time

	mu        sync.Mutex
	buf       *backlog
	connected bool
	connects  int
	onStatus  func(bool)
	onBacklog func(int, uint64)
	evicting  bool // evictions since the last drain were already logged
}

// NewRealPublisher creates a publisher and starts connecting in the
// background. The broker holds a retained OFFLINE message as last will.
func NewRealPublisher(cfg Config) *RealPublisher {
	p := newPublisher(cfg)

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "MQTT_DISCONNECT"})
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(p.topic(KindSystem), will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.handleConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.handleLost(err) })

	p.client = paho.NewClient(opts)
	p.client.Connect()
	logging.Info("MQTT connecting", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return p
}

func newPublisher(cfg Config) *RealPublisher {
	p := &RealPublisher{
		prefix:   cfg.Prefix,
		station:  cfg.Station,
		now:      time.Now,
		onStatus:  cfg.OnStatus,
		onBacklog: cfg.OnBacklog,
	}
	if cfg.BufferSize > 0 {
		p.buf = newBacklog(cfg.BufferSize)
	}
	return p
}

func (p *RealPublisher) topic(kind string) string {
	return Topic(p.prefix, p.station, kind)
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.len()
}

// Dropped returns how many buffered messages were evicted to make room.
func (p *RealPublisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.dropped()
}

// backlogChanged reports the backlog state to OnBacklog. Call without p.mu.
func (p *RealPublisher) backlogChanged() {
	if p.onBacklog == nil || p.buf == nil {
		return
	}
	p.mu.Lock()
	n, dropped := p.buf.len(), p.buf.dropped()
	p.mu.Unlock()
	p.onBacklog(n, dropped)
}

func (p *RealPublisher) handleConnect() {
	p.mu.Lock()
	p.connected = true
	p.connects++
	reconnect := p.connects > 1
	var pending []bufferedMsg
	if p.buf != nil {
		pending = p.buf.drain()
		p.evicting = false
	}
	onStatus := p.onStatus
	p.mu.Unlock()
	p.backlogChanged()

	logging.Info("MQTT connected", "replay", len(pending), "reconnect", reconnect)
	if onStatus != nil {
		onStatus(true)
	}

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		if err := p.send(bufferedMsg{topic: p.topic(KindSystem), payload: payload, qos: 1, retained: true}); err != nil {
			logging.Warn("MQTT reconnect notice failed", "error", err)
		}
	}
	for i, msg := range pending {
		if err := p.send(msg); err != nil {
			logging.Warn("MQTT replay interrupted", "error", err, "remaining", len(pending)-i)
			p.mu.Lock()
			for _, m := range pending[i:] {
				p.buf.push(m)
			}
			p.mu.Unlock()
			p.backlogChanged()
			return
		}
	}
}

func (p *RealPublisher) handleLost(err error) {
	p.mu.Lock()
	p.connected = false
	onStatus := p.onStatus
	p.mu.Unlock()

	logging.Warn("MQTT connection lost", "error", err)
	if onStatus != nil {
		onStatus(false)
	}
}

// publish sends msg now, or queues it while disconnected.
func (p *RealPublisher) publish(msg bufferedMsg) error {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		return p.queue(msg, errors.New("not connected"))
	}
	if err := p.send(msg); err != nil {
		return p.queue(msg, err)
	}
	return nil
}

func (p *RealPublisher) queue(msg bufferedMsg, cause error) error {
	p.mu.Lock()
	if p.buf == nil {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w: %w", msg.topic, ErrNotDelivered, cause)
	}
	evicted := p.buf.push(msg)
	buffered, dropped := p.buf.len(), p.buf.dropped()
	warn := evicted && !p.evicting
	if evicted {
		p.evicting = true
	}
	p.mu.Unlock()

	if warn {
		logging.Warn("MQTT backlog full, dropping oldest", "capacity", buffered, "dropped_total", dropped)
	}
	logging.Debug("MQTT message buffered", "topic", msg.topic, "buffered", buffered, "cause", cause)
	p.backlogChanged()
	return nil
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// PublishEvent sends a digital input event.
func (p *RealPublisher) PublishEvent(event channel.Event) error {
	payload, err := FormatEventPayload(event)
	if err != nil {
		return fmt.Errorf("format event payload: %w", err)
	}
	// QoS 1: events are edges and are not repeated by later polls
	return p.publish(bufferedMsg{topic: p.topic(KindEvents), payload: payload, qos: 1})
}

// PublishSample sends the readings of one poll cycle.
func (p *RealPublisher) PublishSample(sample Sample) error {
	payload, err := FormatSamplePayload(sample)
	if err != nil {
		return fmt.Errorf("format sample payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.publish(bufferedMsg{topic: p.topic(KindSamples), payload: payload})
}

// PublishMeans sends the means of one store window.
func (p *RealPublisher) PublishMeans(means MeanSet) error {
	payload, err := FormatMeansPayload(means)
	if err != nil {
		return fmt.Errorf("format means payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: p.topic(KindMeans), payload: payload, qos: 1})
}

// PublishAlarm sends an alarm transition.
func (p *RealPublisher) PublishAlarm(tr alarm.Transition) error {
	payload, err := FormatAlarmPayload(tr)
	if err != nil {
		return fmt.Errorf("format alarm payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: p.topic(KindAlarms), payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return p.publish(bufferedMsg{topic: p.topic(KindSystem), payload: payload, qos: 1, retained: event.Retained})
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
