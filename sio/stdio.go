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
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/baikonur-io/laika/engine"
)

// maxLine bounds a single input record.
const maxLine = 1 << 20

// Stdin reads one JSON record per line.  Blank lines and lines
// starting with '#' are skipped, so an input file can carry comments.
type Stdin struct {
	name string

	// In defaults to os.Stdin.
	In io.Reader
}

func NewStdin(name string) *Stdin {
	return &Stdin{name: name, In: os.Stdin}
}

func (s *Stdin) Name() string {
	return s.name
}

func (s *Stdin) Run(ctx context.Context, sink Sink) error {
	scanner := bufio.NewScanner(s.In)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := trimRecord(scanner.Bytes())
		if line == nil {
			continue
		}
		sink(s.name, line)
	}
	return scanner.Err()
}

// trimRecord strips surrounding space and returns a copy of the
// line, or nil for blank lines and comments.  The copy matters: the
// scanner reuses its buffer, and records outlive the read loop.
func trimRecord(bs []byte) []byte {
	isSpace := func(b byte) bool {
		return b == ' ' || b == '\t' || b == '\r' || b == '\n'
	}
	start, end := 0, len(bs)
	for start < end && isSpace(bs[start]) {
		start++
	}
	for start < end && isSpace(bs[end-1]) {
		end--
	}
	if start == end || bs[start] == '#' {
		return nil
	}
	return append([]byte(nil), bs[start:end]...)
}

// Stdout writes one emission per line.
type Stdout struct {
	name string

	// Out defaults to os.Stdout.
	Out io.Writer

	mu sync.Mutex
}

func NewStdout(name string) *Stdout {
	return &Stdout{name: name, Out: os.Stdout}
}

func (t *Stdout) Name() string {
	return t.name
}

func (t *Stdout) Open(ctx context.Context) error {
	return nil
}

func (t *Stdout) Submit(ctx context.Context, e engine.Emission) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.Out, "%s\n", e.Payload)
	return err
}

func (t *Stdout) Close() error {
	return nil
}
