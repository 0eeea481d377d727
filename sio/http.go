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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/baikonur-io/laika/engine"
)

// HTTPSource listens for records POSTed to a path.  The body is one
// record; a 202 means the record was accepted for processing, not
// that it matched anything.
type HTTPSource struct {
	name string
	addr string
	path string
}

func (s *HTTPSource) Name() string {
	return s.name
}

func (s *HTTPSource) Run(ctx context.Context, sink Sink) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handle(sink))
	srv := &http.Server{Addr: s.addr, Handler: mux}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errs:
		return err
	}
}

func (s *HTTPSource) handle(sink Sink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST records here", http.StatusMethodNotAllowed)
			return
		}
		bs, err := io.ReadAll(io.LimitReader(r.Body, maxLine))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(bs) == 0 {
			http.Error(w, "empty body", http.StatusBadRequest)
			return
		}
		sink(s.name, bs)
		w.WriteHeader(http.StatusAccepted)
	}
}

// HTTPTarget posts each emission to a URL.  The client keeps a
// cookie jar so targets behind session-cookie auth keep working
// after the first response.
type HTTPTarget struct {
	name    string
	url     string
	method  string
	headers map[string]string
	client  *http.Client
}

func (t *HTTPTarget) Name() string {
	return t.name
}

func (t *HTTPTarget) Open(ctx context.Context) error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}
	t.client = &http.Client{Jar: jar}
	return nil
}

func (t *HTTPTarget) Submit(ctx context.Context, e engine.Emission) error {
	req, err := http.NewRequestWithContext(ctx, t.method, t.url, bytes.NewReader(e.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		return fmt.Errorf("%s: %s", t.url, resp.Status)
	}
	return nil
}

func (t *HTTPTarget) Close() error {
	return nil
}
