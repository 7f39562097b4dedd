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

// Package websocket accepts a stream of external events over a socket. Each
// received JSON document is one event; each is acknowledged with an Answer.
package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ecaflow/ecaflow/api/types"
)

// EventSink consumes submitted events, normally the engine.
type EventSink interface {
	SubmitEvent(event *types.Event) (string, error)
}

// Service upgrades HTTP requests and feeds received events into the sink.
type Service struct {
	config   types.Config
	sink     EventSink
	upgrader websocket.Upgrader
}

// New creates the websocket intake endpoint.
func New(config types.Config, sink EventSink) *Service {
	return &Service{
		config: config,
		sink:   sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the http.Handler performing the upgrade.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Printf("WS | upgrade failed: %s", err.Error())
		return
	}
	defer conn.Close()

	for {
		event := &types.Event{}
		if err := conn.ReadJSON(event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.config.Logger.Printf("WS | read failed: %s", err.Error())
			}
			return
		}
		ans := s.submit(event)
		if err := conn.WriteJSON(ans); err != nil {
			s.config.Logger.Printf("WS | write failed: %s", err.Error())
			return
		}
	}
}

func (s *Service) submit(event *types.Event) *types.Answer {
	if event.Name == "" {
		return &types.Answer{Code: 400, Message: "Your event was missing important parameters!"}
	}
	id, err := s.sink.SubmitEvent(event)
	if err != nil {
		s.config.Logger.Printf("WS | Failed to enqueue event '%s': %s", event.Name, err.Error())
		return &types.Answer{Code: 500, Message: "Failed to store your event"}
	}
	return &types.Answer{Code: 200, Message: "Thank you for the event: " + id}
}
