// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command filterstack-run is the demo entry point: it loads a filter
// stack from a configuration file, starts the configured number of
// stack-runner threads against a static scope, and serves Prometheus
// metrics, a health check and an audit-log summary over HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/diamond-search/filterstack-engine/internal/auditlog"
	"github.com/diamond-search/filterstack-engine/internal/blastchan"
	"github.com/diamond-search/filterstack-engine/internal/blobcache"
	"github.com/diamond-search/filterstack-engine/internal/cachestore"
	"github.com/diamond-search/filterstack-engine/internal/config"
	"github.com/diamond-search/filterstack-engine/internal/enginestats"
	"github.com/diamond-search/filterstack-engine/internal/filterstack"
	"github.com/diamond-search/filterstack-engine/internal/objectloader"
	"github.com/diamond-search/filterstack-engine/internal/scopelist"
	"github.com/diamond-search/filterstack-engine/internal/sessionctx"
	"github.com/diamond-search/filterstack-engine/internal/stackrunner"
	"github.com/diamond-search/filterstack-engine/internal/taskManager"
	"github.com/diamond-search/filterstack-engine/pkg/log"
)

func main() {
	var (
		configFile = flag.String("config", "./config.json", "path to the engine configuration file")
		logLevel   = flag.String("loglevel", "info", "log level (debug, info, warn, err, fatal, crit)")
		scopeFile  = flag.String("scope", "", "newline-separated list of object IDs to evaluate (demo mode)")
	)
	flag.Parse()

	log.SetLogLevel(*logLevel)
	config.Init(*configFile)
	if err := config.Validate(); err != nil {
		log.Fatalf("main: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs, err := buildBlobCache()
	if err != nil {
		log.Fatalf("main: blob cache: %v", err)
	}

	store := cachestore.New(cachestore.Config{
		Host:     config.Keys.CacheStore.Host,
		Port:     config.Keys.CacheStore.Port,
		Database: config.Keys.CacheStore.Database,
		Password: config.Keys.CacheStore.Password,
	})
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("main: cache store unreachable: %v", err)
	}
	defer store.Close()

	var natsConn *nats.Conn
	if config.Keys.NatsAddress != "" {
		natsConn, err = nats.Connect(config.Keys.NatsAddress)
		if err != nil {
			log.Fatalf("main: nats connect: %v", err)
		}
		defer natsConn.Close()
	}
	sess := sessionctx.New(natsConn, "filterstack.resources")

	descriptors := config.Descriptors()
	stack, err := filterstack.New(descriptors)
	if err != nil {
		log.Fatalf("main: filter stack: %v", err)
	}
	if err := stack.ResolveAll(ctx, blobs, sess, os.TempDir()); err != nil {
		log.Fatalf("main: resolve filter stack: %v", err)
	}
	log.Infof("main: resolved %d filters", stack.Len())

	loader := objectloader.New()
	loader.Register("file", &objectloader.FSRetriever{Root: ".", ReadFn: os.ReadFile})

	scope, blast := buildScopeAndBlast(*scopeFile, natsConn)

	stats := enginestats.New(prometheus.DefaultRegisterer)

	audit, err := auditlog.New(config.Keys.AuditLogPath)
	if err != nil {
		log.Fatalf("main: audit log: %v", err)
	}
	defer audit.Close()

	taskManager.Start(store, audit, time.Duration(config.Keys.AuditRetentionDays)*24*time.Hour)
	defer taskManager.Shutdown()

	var wg sync.WaitGroup
	shutdown := func(reason error) {
		if reason != nil {
			log.Errorf("main: stack runner stopped: %v", reason)
		}
		cancel()
	}

	runners := filterstack.StartThreads(ctx, stack, config.Keys.WorkerCount, loader, sess, store, scope, blast, stats, audit, shutdown)
	log.Infof("main: started %d stack-runner threads", len(runners))

	if mem, ok := blast.(*blastchan.MemoryChannel); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for result := range mem.Results() {
				log.Infof("main: accepted %s", result.ObjectID)
			}
		}()
	}

	srv := startHTTPServer(audit, stats)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("main: received %s, shutting down", sig)
	case <-ctx.Done():
		log.Infof("main: shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("main: http shutdown: %v", err)
	}
	wg.Wait()
}

func buildBlobCache() (*blobcache.BlobCache, error) {
	cfg := config.Keys.BlobCache
	switch cfg.Backend {
	case "s3":
		backend, err := blobcache.NewS3Backend(blobcache.S3Config{
			Endpoint:     cfg.Endpoint,
			Bucket:       cfg.Bucket,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
			Region:       cfg.Region,
			UsePathStyle: cfg.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return blobcache.New(backend, cfg.MemoryBytes, os.TempDir()), nil
	default:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("blob cache fs path: %w", err)
		}
		return blobcache.New(blobcache.NewFSBackend(cfg.Path), cfg.MemoryBytes, os.TempDir()), nil
	}
}

func buildScopeAndBlast(scopeFile string, natsConn *nats.Conn) (*scopelist.StaticScopeList, stackrunner.BlastChannel) {
	var ids []string
	if scopeFile != "" {
		raw, err := os.ReadFile(scopeFile)
		if err != nil {
			log.Fatalf("main: read scope file: %v", err)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				ids = append(ids, line)
			}
		}
	}

	var blast stackrunner.BlastChannel
	if natsConn != nil {
		blast = blastchan.NewNats(natsConn, config.Keys.BlastSubject)
	} else {
		blast = blastchan.NewMemory(len(ids) + 1)
	}
	return scopelist.NewStatic(ids), blast
}

func startHTTPServer(audit *auditlog.Store, stats *enginestats.Stats) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		summary, err := audit.Summarize(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summary)
	})

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	handler := handlers.CustomLoggingHandler(log.InfoWriter, r, func(w io.Writer, params handlers.LogFormatterParams) {
		log.Infof("%s %s (%d, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})

	srv := &http.Server{
		Addr:         config.Keys.Listen,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("main: http server listening at %s", config.Keys.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("main: http server: %v", err)
		}
	}()
	return srv
}
