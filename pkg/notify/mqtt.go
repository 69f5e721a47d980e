package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/osmogr/meshtastic-pingbot/pkg/models"
)

// MQTT mirrors event entries to a broker topic as JSON, for anyone who
// wants to watch the bot without the dashboard.
type MQTT struct {
	client mqtt.Client
	topic  string
	log    *slog.Logger
}

func NewMQTT(broker, clientID, topic string) *MQTT {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(30 * time.Second)

	m := &MQTT{
		client: mqtt.NewClient(opts),
		topic:  topic,
		log:    slog.Default(),
	}

	go func() {
		token := m.client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			m.log.Error("failed to connect to MQTT broker", "broker", broker, "error", err)
			return
		}
		m.log.Info("connected to MQTT broker", "broker", broker, "topic", topic)
	}()

	return m
}

func (m *MQTT) Notify(entry models.LogEntry) {
	if !m.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	go func() {
		token := m.client.Publish(m.topic, 0, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			m.log.Error("failed to publish event to MQTT", "error", err)
		}
	}()
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
