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

	"github.com/gorilla/websocket"

	"github.com/baikonur-io/laika/engine"
)

// WSSource dials a WebSocket server and feeds each text message to
// the sink.
type WSSource struct {
	name string
	url  string
}

func (s *WSSource) Name() string {
	return s.name
}

func (s *WSSource) Run(ctx context.Context, sink Sink) error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ReadMessage has no context; closing the connection unblocks
	// it.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, bs, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(bs) == 0 {
			continue
		}
		sink(s.name, bs)
	}
}

// WSTarget writes each emission as a text message.  A write failure
// drops the connection; the next Submit redials, so the engine's
// retries double as reconnection attempts.
type WSTarget struct {
	name string
	url  string
	conn *websocket.Conn
}

func (t *WSTarget) Name() string {
	return t.name
}

func (t *WSTarget) Open(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *WSTarget) Submit(ctx context.Context, e engine.Emission) error {
	if t.conn == nil {
		if err := t.Open(ctx); err != nil {
			return err
		}
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, e.Payload); err != nil {
		t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *WSTarget) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
