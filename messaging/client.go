package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"agvlink/config"
	"agvlink/fleet"
)

// publishTimeout bounds a single publish round trip.
const publishTimeout = 5 * time.Second

// Handler receives messages for one subscribed topic. Topics are always the
// canonical slash form regardless of backend.
type Handler func(topic string, payload []byte)

// Client is the unified messaging client (MQTT or Kafka). It never
// reconnects on its own; a lost connection only flips its state and the
// owner calls Connect again. Registered handlers survive reconnects.
type Client struct {
	mu       sync.RWMutex
	cfg      *config.MessagingConfig
	backend  string
	clientID string
	mqttConn mqtt.Client
	kafka    *kafkaState
	handlers map[string]Handler
	state    fleet.LinkState

	DebugLog func(format string, args ...any)
}

type kafkaState struct {
	writer  *kafkago.Writer
	readers map[string]*kafkago.Reader
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewClient creates a messaging client based on config. An empty clientID
// falls back to the configured one, then to a random one.
func NewClient(cfg *config.MessagingConfig, clientID string) *Client {
	if clientID == "" {
		clientID = cfg.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "agvlink-" + uuid.NewString()[:8]
	}
	return &Client{
		cfg:      cfg,
		backend:  cfg.Backend,
		clientID: clientID,
		handlers: make(map[string]Handler),
	}
}

func (c *Client) debug(format string, args ...any) {
	if fn := c.DebugLog; fn != nil {
		fn(format, args...)
	}
}

// Connect establishes the messaging connection and restores every
// registered subscription.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.teardownLocked()

	var err error
	switch c.backend {
	case "mqtt":
		err = c.connectMQTT()
	case "kafka":
		err = c.connectKafka()
	default:
		err = fmt.Errorf("unknown messaging backend: %s", c.backend)
	}
	if err != nil {
		c.state = fleet.LinkState{Connected: false, LastError: err.Error(), Since: time.Now()}
		c.mu.Unlock()
		return err
	}
	c.state = fleet.LinkState{Connected: true, Since: time.Now()}
	handlers := make(map[string]Handler, len(c.handlers))
	for k, v := range c.handlers {
		handlers[k] = v
	}
	c.mu.Unlock()

	for topic, h := range handlers {
		if err := c.Subscribe(topic, h); err != nil {
			log.Printf("messaging: re-subscribe %s: %v", topic, err)
		}
	}
	return nil
}

func (c *Client) connectMQTT() error {
	broker := fmt.Sprintf("tcp://%s:%d", c.cfg.MQTT.Broker, c.cfg.MQTT.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(c.cfg.MQTT.ConnectTimeout)
	if c.cfg.MQTT.Username != "" {
		opts.SetUsername(c.cfg.MQTT.Username)
		opts.SetPassword(c.cfg.MQTT.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.markDown(fmt.Errorf("mqtt connection lost: %w", err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.connectTimeout()) {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	c.mqttConn = client
	log.Printf("messaging: mqtt connected to %s as %s", broker, c.clientID)
	return nil
}

func (c *Client) connectKafka() error {
	if len(c.cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	// Verify at least one broker is reachable
	var conn *kafkago.Conn
	var connErr error
	for _, broker := range c.cfg.Kafka.Brokers {
		ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout())
		conn, connErr = kafkago.DialContext(ctx, "tcp", broker)
		cancel()
		if connErr == nil {
			log.Printf("messaging: kafka connected to %s", broker)
			break
		}
	}
	if connErr != nil {
		return fmt.Errorf("kafka connect: %w", connErr)
	}
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, KafkaTopic(t))
	}
	ensureTopics(conn, topics...)
	conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c.kafka = &kafkaState{
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(c.cfg.Kafka.Brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireOne,
			AllowAutoTopicCreation: true,
		},
		readers: make(map[string]*kafkago.Reader),
		ctx:     ctx,
		cancel:  cancel,
	}
	return nil
}

func (c *Client) connectTimeout() time.Duration {
	if d := c.cfg.MQTT.ConnectTimeout; d > 0 {
		return d
	}
	return 5 * time.Second
}

// ensureTopics creates Kafka topics if they don't already exist. Errors are
// logged but not fatal since the broker may auto-create topics anyway.
func ensureTopics(conn *kafkago.Conn, topics ...string) {
	if len(topics) == 0 {
		return
	}
	controller, err := conn.Controller()
	if err != nil {
		log.Printf("messaging: cannot find controller for topic creation: %v", err)
		return
	}
	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		log.Printf("messaging: cannot connect to controller: %v", err)
		return
	}
	defer controllerConn.Close()

	configs := make([]kafkago.TopicConfig, len(topics))
	for i, t := range topics {
		configs[i] = kafkago.TopicConfig{Topic: t, NumPartitions: 1, ReplicationFactor: 1}
	}
	if err := controllerConn.CreateTopics(configs...); err != nil {
		log.Printf("messaging: topic auto-create: %v", err)
	}
}

// Subscribe registers handler for topic. The registration is kept even when
// the client is disconnected, in which case fleet.ErrNotConnected is returned
// and the subscription is made on the next Connect.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[topic] = handler
	if !c.state.Connected {
		return fleet.ErrNotConnected
	}

	switch c.backend {
	case "mqtt":
		token := c.mqttConn.Subscribe(topic, c.cfg.MQTT.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("mqtt subscribe %s: timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
	case "kafka":
		if old, ok := c.kafka.readers[topic]; ok {
			old.Close()
		}
		reader := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: c.cfg.Kafka.Brokers,
			Topic:   KafkaTopic(topic),
			GroupID: c.cfg.Kafka.GroupID + "-" + c.clientID,
		})
		c.kafka.readers[topic] = reader
		go c.readKafka(c.kafka.ctx, reader, topic, handler)
	}
	c.debug("messaging: subscribed %s", topic)
	return nil
}

// readKafka is the single consumer for one topic, so per-topic order holds.
func (c *Client) readKafka(ctx context.Context, r *kafkago.Reader, topic string, handler Handler) {
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.markDown(fmt.Errorf("kafka read %s: %w", topic, err))
			return
		}
		handler(topic, msg.Value)
	}
}

// Unsubscribe drops the handler for topic.
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
	if !c.state.Connected {
		return
	}
	switch c.backend {
	case "mqtt":
		c.mqttConn.Unsubscribe(topic).WaitTimeout(publishTimeout)
	case "kafka":
		if r, ok := c.kafka.readers[topic]; ok {
			r.Close()
			delete(c.kafka.readers, topic)
		}
	}
}

// Publish sends payload on topic. It fails fast with fleet.ErrNotConnected
// while disconnected; nothing is queued.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	connected := c.state.Connected
	backend := c.backend
	mqttConn := c.mqttConn
	ks := c.kafka
	qos := c.cfg.MQTT.QoS
	c.mu.RUnlock()

	if !connected {
		return fleet.ErrNotConnected
	}
	switch backend {
	case "mqtt":
		token := mqttConn.Publish(topic, qos, false, payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("mqtt publish %s: timed out", topic)
		}
		return token.Error()
	case "kafka":
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		err := ks.writer.WriteMessages(ctx, kafkago.Message{Topic: KafkaTopic(topic), Value: payload})
		if err != nil {
			c.markDown(fmt.Errorf("kafka publish %s: %w", topic, err))
		}
		return err
	default:
		return fmt.Errorf("unknown backend: %s", backend)
	}
}

// IsConnected reports the last known link state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Connected
}

// State returns a copy of the link state.
func (c *Client) State() fleet.LinkState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.state.Connected
	c.teardownLocked()
	c.state = fleet.LinkState{Connected: false, LastError: err.Error(), Since: time.Now()}
	if was {
		log.Printf("messaging: disconnected: %v", err)
	}
}

// teardownLocked releases backend resources. Caller holds c.mu.
func (c *Client) teardownLocked() {
	if c.mqttConn != nil {
		if c.mqttConn.IsConnectionOpen() {
			go c.mqttConn.Disconnect(250)
		}
		c.mqttConn = nil
	}
	if c.kafka != nil {
		c.kafka.cancel()
		for _, r := range c.kafka.readers {
			r.Close()
		}
		c.kafka.writer.Close()
		c.kafka = nil
	}
	c.state.Connected = false
}

// Close disconnects. Registered handlers are kept.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.state = fleet.LinkState{Connected: false, LastError: "closed", Since: time.Now()}
}
