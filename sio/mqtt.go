/* Copyright 2025 Baikonur I/O, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package sio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/baikonur-io/laika/config"
	"github.com/baikonur-io/laika/engine"
)

// quiesce is the paho disconnection grace period in milliseconds.
const quiesce = 250

func checkMQTT(cfg config.ConnConfig) error {
	if cfg.Broker == "" {
		return errors.New("an mqtt connector needs a broker")
	}
	if cfg.Topic == "" {
		return errors.New("an mqtt connector needs a topic")
	}
	if cfg.QoS < 0 || 2 < cfg.QoS {
		return fmt.Errorf("qos %d out of range", cfg.QoS)
	}
	return nil
}

func mqttOptions(cfg config.ConnConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(10 * time.Second)
	opts.Username = cfg.Username
	opts.Password = cfg.Password
	opts.AutoReconnect = true
	opts.CleanSession = true
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", cfg.Broker, "err", err)
	}
	return opts
}

// waitToken waits for a paho operation, honoring the caller's
// deadline if it has one.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	if deadline, ok := ctx.Deadline(); ok {
		if !tok.WaitTimeout(time.Until(deadline)) {
			return context.DeadlineExceeded
		}
	} else {
		tok.Wait()
	}
	return tok.Error()
}

// MQTTSource subscribes to a topic and feeds each message payload to
// the sink.
type MQTTSource struct {
	name  string
	topic string
	qos   byte
	opts  *mqtt.ClientOptions
}

func (s *MQTTSource) Name() string {
	return s.name
}

func (s *MQTTSource) Run(ctx context.Context, sink Sink) error {
	client := mqtt.NewClient(s.opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("connecting to %v: %w", s.opts.Servers, err)
	}
	defer client.Disconnect(quiesce)

	handler := func(client mqtt.Client, msg mqtt.Message) {
		sink(s.name, msg.Payload())
	}
	if err := waitToken(ctx, client.Subscribe(s.topic, s.qos, handler)); err != nil {
		return fmt.Errorf("subscribing to %q: %w", s.topic, err)
	}

	<-ctx.Done()
	return nil
}

// MQTTTarget publishes each emission to a fixed topic.
type MQTTTarget struct {
	name   string
	topic  string
	qos    byte
	opts   *mqtt.ClientOptions
	client mqtt.Client
}

func (t *MQTTTarget) Name() string {
	return t.name
}

func (t *MQTTTarget) Open(ctx context.Context) error {
	t.client = mqtt.NewClient(t.opts)
	if err := waitToken(ctx, t.client.Connect()); err != nil {
		return fmt.Errorf("connecting to %v: %w", t.opts.Servers, err)
	}
	return nil
}

func (t *MQTTTarget) Submit(ctx context.Context, e engine.Emission) error {
	return waitToken(ctx, t.client.Publish(t.topic, t.qos, false, e.Payload))
}

func (t *MQTTTarget) Close() error {
	if t.client != nil {
		t.client.Disconnect(quiesce)
	}
	return nil
}
