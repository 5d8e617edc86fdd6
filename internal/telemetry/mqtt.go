// Package telemetry exports broker activity as Prometheus metrics and as
// MQTT messages.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/energizer-project/ticktalk/internal/config"
	"github.com/energizer-project/ticktalk/internal/events"
	"github.com/energizer-project/ticktalk/internal/util"
)

// Topic suffixes, joined to the configured prefix.
const (
	TopicPresence = "presence"
	TopicMessages = "messages"
	TopicLag      = "lag"
	TopicAdmin    = "admin"
)

// ErrMQTTDisabled is returned by NewMQTTHandler when MQTT is switched off.
var ErrMQTTDisabled = errors.New("MQTT is disabled")

// MQTTHandler publishes broker events to an MQTT broker. Message bodies
// are never published, only their metadata.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrMQTTDisabled
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
		},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("ticktalk-%s-%s", sysInfo.Hostname, uuid.NewString()[:8])
	}
	opts.SetClientID(clientID)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS: load client certificate
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Str("client_id", clientID).Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// Start connects to the MQTT broker, subscribes to bus events and blocks
// until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown("server stopping")
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

var mqttEvents = []events.EventType{
	events.EventClientRegistered,
	events.EventClientDropped,
	events.EventMessageBroadcast,
	events.EventServerNotice,
	events.EventLongTick,
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.SubscribeMany(mqttEvents, "mqtt", h.onEvent)
}

func (h *MQTTHandler) unsubscribeEvents() {
	for _, t := range mqttEvents {
		h.eventBus.Unsubscribe(t, "mqtt")
	}
}

// topic joins the configured prefix and a topic suffix.
func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.EventClientRegistered:
		h.publish(h.topic(TopicPresence), map[string]interface{}{
			"event":   "joined",
			"payload": event.Payload,
		})
	case events.EventClientDropped:
		p, ok := event.Payload.(events.DroppedPayload)
		if ok && !p.WasActive {
			// never announced, nothing to retract
			return nil
		}
		h.publish(h.topic(TopicPresence), map[string]interface{}{
			"event":   "left",
			"payload": event.Payload,
		})
	case events.EventMessageBroadcast, events.EventServerNotice:
		h.publish(h.topic(TopicMessages), messageMetadata(event))
	case events.EventLongTick:
		h.publish(h.topic(TopicLag), event.Payload)
	}
	return nil
}

// messageMetadata strips text from chat events.
func messageMetadata(event events.Event) map[string]interface{} {
	switch p := event.Payload.(type) {
	case events.BroadcastPayload:
		return map[string]interface{}{
			"event":       "broadcast",
			"user_id":     p.UserID,
			"username":    p.Username,
			"message_len": p.MessageLen,
			"recipients":  p.Recipients,
		}
	case events.NoticePayload:
		return map[string]interface{}{
			"event":       "notice",
			"message_len": len(p.Message),
			"recipients":  p.Recipients,
		}
	}
	return map[string]interface{}{"event": string(event.Type)}
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the admin topic.
func (h *MQTTHandler) PublishShutdown(reason string) {
	h.publish(h.topic(TopicAdmin), map[string]interface{}{
		"event":  "shutdown",
		"reason": reason,
	})
}
