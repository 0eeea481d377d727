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
	"bufio"
	"context"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/baikonur-io/laika/engine"
)

// FileTail reads a file of JSON lines and then follows appends, one
// record per line.  Blank lines and '#' comments are skipped, as on
// stdin.
type FileTail struct {
	name string
	path string
}

func (s *FileTail) Name() string {
	return s.name
}

func (s *FileTail) Run(ctx context.Context, sink Sink) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err = w.Add(s.path); err != nil {
		return err
	}

	var (
		r   = bufio.NewReader(f)
		buf []byte
	)
	// deliver drains complete lines.  A partial trailing line
	// stays in buf until the writer finishes it.
	deliver := func() {
		for {
			chunk, err := r.ReadBytes('\n')
			buf = append(buf, chunk...)
			if err != nil {
				return
			}
			if line := trimRecord(buf); line != nil {
				sink(s.name, line)
			}
			buf = buf[:0]
		}
	}

	deliver()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// TODO: reopen on rename for log rotation.
			if ev.Has(fsnotify.Write) {
				deliver()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// FileAppend appends one emission per line.
type FileAppend struct {
	name string
	path string
	f    *os.File
}

func (t *FileAppend) Name() string {
	return t.name
}

func (t *FileAppend) Open(ctx context.Context) error {
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	t.f = f
	return nil
}

func (t *FileAppend) Submit(ctx context.Context, e engine.Emission) error {
	line := make([]byte, 0, len(e.Payload)+1)
	line = append(line, e.Payload...)
	line = append(line, '\n')
	_, err := t.f.Write(line)
	return err
}

func (t *FileAppend) Close() error {
	if t.f == nil {
		return nil
	}
	return t.f.Close()
}
