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

// Package rest exposes the platform over HTTP: event intake, the user
// command surface and invocation log reads.
package rest

import (
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/ecaflow/ecaflow/api/types"
	"github.com/ecaflow/ecaflow/utils/json"
)

// Engine is the event-intake side of the ECA engine.
type Engine interface {
	SubmitEvent(event *types.Event) (string, error)
	InvocationLog(user, ruleID, moduleID string) string
}

// Commander processes user commands.
type Commander interface {
	Process(user, command string, payload map[string]interface{}) *types.Answer
}

// Service is the HTTP endpoint. Wire its Router into an http.Server.
type Service struct {
	config    types.Config
	engine    Engine
	commander Commander
	router    *httprouter.Router
}

// New creates the endpoint and builds its routes.
func New(config types.Config, engine Engine, commander Commander) *Service {
	s := &Service{config: config, engine: engine, commander: commander}
	router := httprouter.New()
	router.POST("/event", s.handleEvent)
	router.POST("/user/command", s.handleCommand)
	router.GET("/log/:user/:rule/:module", s.handleLog)
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, caught interface{}) {
		config.Logger.Printf("EP | panic while serving %s: %v", r.URL.Path, caught)
		s.writeAnswer(w, &types.Answer{Code: 500, Message: "Internal error"})
	}
	s.router = router
	return s
}

// Router returns the http.Handler to serve.
func (s *Service) Router() http.Handler {
	return s.router
}

func (s *Service) writeAnswer(w http.ResponseWriter, ans *types.Answer) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ans.Code)
	doc, err := json.Marshal(ans)
	if err != nil {
		return
	}
	_, _ = w.Write(doc)
}

// handleEvent accepts one external event as a JSON document and enqueues it.
func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeAnswer(w, &types.Answer{Code: 400, Message: "Your event was missing important parameters!"})
		return
	}
	event := &types.Event{}
	if err := json.Unmarshal(body, event); err != nil || event.Name == "" {
		s.writeAnswer(w, &types.Answer{Code: 400, Message: "Your event was missing important parameters!"})
		return
	}
	id, err := s.engine.SubmitEvent(event)
	if err != nil {
		s.config.Logger.Printf("EP | Failed to enqueue event '%s': %s", event.Name, err.Error())
		s.writeAnswer(w, &types.Answer{Code: 500, Message: "Failed to store your event"})
		return
	}
	s.writeAnswer(w, &types.Answer{Code: 200, Message: "Thank you for the event: " + id})
}

// commandRequest is the envelope of a user command post.
type commandRequest struct {
	User    string                 `json:"user"`
	Command string                 `json:"command"`
	Payload map[string]interface{} `json:"payload"`
}

func (s *Service) handleCommand(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeAnswer(w, &types.Answer{Code: 400, Message: "Malformed command request"})
		return
	}
	req := &commandRequest{}
	if err := json.Unmarshal(body, req); err != nil || req.User == "" || req.Command == "" {
		s.writeAnswer(w, &types.Answer{Code: 400, Message: "Malformed command request"})
		return
	}
	s.writeAnswer(w, s.commander.Process(req.User, req.Command, req.Payload))
}

// handleLog returns the invocation log of one module under one rule as plain
// text, one line per entry.
func (s *Service) handleLog(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	log := s.engine.InvocationLog(params.ByName("user"), params.ByName("rule"), params.ByName("module"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(log))
}
