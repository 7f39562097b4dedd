/*
 * Copyright 2024 The EcaFlow Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package mqtt subscribes to a broker topic and feeds received JSON events
// into the engine. It is an intake only; answers are not published back.
package mqtt

import (
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/utils/json"
)

// EventSink consumes submitted events, normally the engine.
type EventSink interface {
	SubmitEvent(event *types.Event) (string, error)
}

// Config holds the broker subscription settings.
type Config struct {
	// Server is the broker url, e.g. "tcp://127.0.0.1:1883".
	Server   string
	Topic    string
	ClientID string
	Username string
	Password string
	QOS      byte
}

// Intake is one broker subscription.
type Intake struct {
	config    types.Config
	mqttConf  Config
	sink      EventSink
	client    paho.Client
	connected bool
}

// New creates a stopped intake; Start connects and subscribes.
func New(config types.Config, mqttConf Config, sink EventSink) *Intake {
	if mqttConf.ClientID == "" {
		mqttConf.ClientID = "ecaflow-intake"
	}
	return &Intake{config: config, mqttConf: mqttConf, sink: sink}
}

// Start connects to the broker and subscribes to the configured topic.
func (i *Intake) Start() error {
	opts := paho.NewClientOptions().
		AddBroker(i.mqttConf.Server).
		SetClientID(i.mqttConf.ClientID).
		SetUsername(i.mqttConf.Username).
		SetPassword(i.mqttConf.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(i.config.HTTPTimeout)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := client.Subscribe(i.mqttConf.Topic, i.mqttConf.QOS, i.receive); token.Wait() && token.Error() != nil {
		client.Disconnect(0)
		return token.Error()
	}
	i.client = client
	i.connected = true
	i.config.Logger.Printf("MQ | Subscribed to '%s' on %s", i.mqttConf.Topic, i.mqttConf.Server)
	return nil
}

// Stop unsubscribes and disconnects.
func (i *Intake) Stop() {
	if !i.connected {
		return
	}
	i.client.Unsubscribe(i.mqttConf.Topic)
	i.client.Disconnect(250)
	i.connected = false
}

// receive decodes one published message as an event. Malformed payloads are
// logged and dropped; a broker is fire-and-forget by nature.
func (i *Intake) receive(_ paho.Client, message paho.Message) {
	event := &types.Event{}
	if err := json.Unmarshal(message.Payload(), event); err != nil || event.Name == "" {
		i.config.Logger.Printf("MQ | Dropping malformed event from topic '%s'", message.Topic())
		return
	}
	if _, err := i.sink.SubmitEvent(event); err != nil {
		i.config.Logger.Printf("MQ | Failed to enqueue event '%s': %s", event.Name, err.Error())
	}
}
