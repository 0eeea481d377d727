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

// laika runs the correlation engine over a configuration file.
//
// Sources and targets come from the configuration.  The process ends
// on SIGINT or SIGTERM, or when every source ends on its own, which
// makes piping a file of records through stdin work as expected:
//
//	cat records.json | laika --config laika.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baikonur-io/laika/config"
	"github.com/baikonur-io/laika/engine"
	"github.com/baikonur-io/laika/metrics"
	"github.com/baikonur-io/laika/sio"
	"github.com/baikonur-io/laika/storage"
)

func main() {
	var (
		configFile  = flag.String("config", "laika.yaml", "configuration filename")
		storeFile   = flag.String("store", "laika.db", "context store filename")
		metricsAddr = flag.String("metrics-addr", "", "prometheus endpoint address (empty: none)")
		workers     = flag.Int("workers", 0, "worker count (0: default)")
		verbose     = flag.Bool("v", false, "log at debug level")
	)
	flag.Parse()

	if err := run(*configFile, *storeFile, *metricsAddr, *workers, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "laika: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, storeFile, metricsAddr string, workers int, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	_, plan, err := config.Load(configFile)
	if err != nil {
		return err
	}

	store, err := storage.NewStore(storeFile)
	if err != nil {
		return err
	}
	store.Debug = verbose
	if err = store.Open(); err != nil {
		return fmt.Errorf("opening %s: %w", storeFile, err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		cancel()
	}()

	var opened []sio.Target
	defer func() {
		for _, t := range opened {
			if err := t.Close(); err != nil {
				log.Warn("closing target failed", "target", t.Name(), "err", err)
			}
		}
	}()
	targets := make(map[string]engine.Target, len(plan.Targets))
	for name, tc := range plan.Targets {
		t, err := sio.NewTarget(name, tc)
		if err != nil {
			return err
		}
		if err = t.Open(ctx); err != nil {
			return fmt.Errorf("opening target %q: %w", name, err)
		}
		opened = append(opened, t)
		targets[name] = t
	}

	sources := make([]sio.Source, 0, len(plan.Sources))
	for name, sc := range plan.Sources {
		src, err := sio.NewSource(name, sc)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Info("metrics listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	eng, err := engine.New(engine.Options{
		Types:   plan.Types,
		Rules:   plan.Rules,
		Store:   store,
		Targets: targets,
		Workers: workers,
		Logger:  log,
		Metrics: met,
	})
	if err != nil {
		return err
	}

	go func() {
		if !eng.Wait(time.Minute) {
			return
		}
		var wg sync.WaitGroup
		for _, src := range sources {
			src := src
			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info("source running", "source", src.Name())
				if err := src.Run(ctx, eng.Ingest); err != nil {
					log.Error("source failed", "source", src.Name(), "err", err)
					return
				}
				log.Debug("source ended", "source", src.Name())
			}()
		}
		wg.Wait()
		// Every input has ended; drain and exit.
		cancel()
	}()

	return eng.Run(ctx)
}
