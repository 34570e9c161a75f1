// Package mqtt publishes the focuser status to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"robofocus/pkg/focuser"
)

type Config struct {
	Broker    string
	Username  string
	Password  string
	TopicRoot string
	Interval  time.Duration
}

// Publisher periodically publishes the driver status as retained JSON
// messages under TopicRoot/status.
type Publisher struct {
	client   mqtt.Client
	driver   *focuser.Driver
	topic    string
	interval time.Duration
	logger   log.FieldLogger
}

func NewPublisher(cfg Config, driver *focuser.Driver, logger log.FieldLogger) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID("robofocus-alpaca")
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Publisher{
		client:   client,
		driver:   driver,
		topic:    cfg.TopicRoot + "/status",
		interval: interval,
		logger:   logger,
	}, nil
}

// Run publishes until ctx is cancelled, then disconnects from the broker.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Infof("MQTT publisher started on %s every %s", p.topic, p.interval)
	for {
		select {
		case <-ctx.Done():
			p.client.Disconnect(250)
			return
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *Publisher) publish() {
	status := p.driver.Status()
	if !status.Connected {
		return
	}

	payload, err := json.Marshal(status)
	if err != nil {
		p.logger.Errorf("Cannot marshal status: %v", err)
		return
	}

	token := p.client.Publish(p.topic, 0, true, payload)
	if token.Wait() && token.Error() != nil {
		p.logger.Warnf("MQTT publish failed: %v", token.Error())
	}
}
