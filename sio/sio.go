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

// Package sio couples the engine to the outside world.
//
// A Source reads raw records from somewhere (stdin, a file, an MQTT
// subscription, a WebSocket, an HTTP listener) and hands each one to
// a Sink, which is normally the engine's Ingest method.  A Target
// consumes rendered emissions.  Sources are fire-and-forget; targets
// report delivery failure so the engine can retry.
//
// Connectors are built from configuration by NewSource and NewTarget,
// which also reject connector-specific problems (a file source with
// no path, an MQTT target with no topic) so a bad configuration fails
// at boot rather than at first use.
package sio

import (
	"context"
	"fmt"

	"github.com/baikonur-io/laika/config"
	"github.com/baikonur-io/laika/engine"
)

// Sink accepts one raw record read by a named source.
type Sink func(source string, raw []byte)

// A Source feeds records to a sink until ctx is canceled or its
// input is exhausted.
type Source interface {
	Name() string

	// Run blocks.  A nil return means the input ended normally
	// (EOF, or ctx canceled).
	Run(ctx context.Context, sink Sink) error
}

// A Target consumes rendered emissions.  Submit matches
// engine.Target, so any sio Target can be handed to the engine
// directly.  The engine gives each target a single delivery loop;
// implementations can rely on Submit never being called concurrently.
type Target interface {
	Name() string

	// Open establishes the connection.  Called once, before the
	// engine starts.
	Open(ctx context.Context) error

	Submit(ctx context.Context, e engine.Emission) error

	Close() error
}

// NewSource builds the source a configuration names.
func NewSource(name string, cfg config.ConnConfig) (Source, error) {
	switch cfg.Type {
	case "stdio":
		return NewStdin(name), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("source %q: a file source needs a path", name)
		}
		return &FileTail{name: name, path: cfg.Path}, nil
	case "mqtt":
		if err := checkMQTT(cfg); err != nil {
			return nil, fmt.Errorf("source %q: %v", name, err)
		}
		return &MQTTSource{
			name:  name,
			topic: cfg.Topic,
			qos:   byte(cfg.QoS),
			opts:  mqttOptions(cfg),
		}, nil
	case "ws", "websocket":
		if cfg.URL == "" {
			return nil, fmt.Errorf("source %q: a websocket source needs a url", name)
		}
		return &WSSource{name: name, url: cfg.URL}, nil
	case "http":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("source %q: an http source needs an addr", name)
		}
		path := cfg.Path
		if path == "" {
			path = "/ingest"
		}
		return &HTTPSource{name: name, addr: cfg.Addr, path: path}, nil
	case "":
		return nil, fmt.Errorf("source %q has no type", name)
	default:
		return nil, fmt.Errorf("source %q: unknown type %q", name, cfg.Type)
	}
}

// NewTarget builds the target a configuration names.
func NewTarget(name string, cfg config.ConnConfig) (Target, error) {
	switch cfg.Type {
	case "stdio":
		return NewStdout(name), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("target %q: a file target needs a path", name)
		}
		return &FileAppend{name: name, path: cfg.Path}, nil
	case "mqtt":
		if err := checkMQTT(cfg); err != nil {
			return nil, fmt.Errorf("target %q: %v", name, err)
		}
		return &MQTTTarget{
			name:  name,
			topic: cfg.Topic,
			qos:   byte(cfg.QoS),
			opts:  mqttOptions(cfg),
		}, nil
	case "ws", "websocket":
		if cfg.URL == "" {
			return nil, fmt.Errorf("target %q: a websocket target needs a url", name)
		}
		return &WSTarget{name: name, url: cfg.URL}, nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("target %q: an http target needs a url", name)
		}
		method := cfg.Method
		if method == "" {
			method = "POST"
		}
		return &HTTPTarget{
			name:    name,
			url:     cfg.URL,
			method:  method,
			headers: cfg.Headers,
		}, nil
	case "":
		return nil, fmt.Errorf("target %q has no type", name)
	default:
		return nil, fmt.Errorf("target %q: unknown type %q", name, cfg.Type)
	}
}
