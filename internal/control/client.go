package control

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/config"
)

const connectTimeout = 5 * time.Second

// BrokerURL adds the tcp scheme to bare host:port brokers.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// clientOptions builds paho options with auto reconnect and a retained
// "offline" last will on the status topic.
func clientOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)
	if cfg.Topics.Status != "" {
		opts.SetWill(cfg.Topics.Status, `{"event":"offline"}`, cfg.QoS, true)
	}

	opts.OnConnect = func(mqtt.Client) {
		slog.Info("control: mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("control: mqtt connection lost, will auto-reconnect",
			"broker", cfg.Broker,
			"error", err,
		)
	}
	return opts
}

// Connect opens a paho client to cfg.Broker.
func Connect(cfg config.MQTTConfig) (mqtt.Client, error) {
	client := mqtt.NewClient(clientOptions(cfg))

	slog.Info("control: connecting to mqtt broker", "broker", cfg.Broker)

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("control: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("control: mqtt connection failed: %w", err)
	}
	return client, nil
}
