// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskManager schedules the engine's periodic maintenance work:
// the cache-store healthcheck and the audit-log retention sweep.
package taskManager

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/diamond-search/filterstack-engine/internal/auditlog"
	"github.com/diamond-search/filterstack-engine/internal/cachestore"
	"github.com/diamond-search/filterstack-engine/pkg/log"
)

var s gocron.Scheduler

// Start creates the scheduler, registers every maintenance service and
// launches it. audit may be nil when auditing is disabled.
func Start(store *cachestore.Store, audit *auditlog.Store, retentionAge time.Duration) {
	var err error
	s, err = gocron.NewScheduler()
	if err != nil {
		log.Fatalf("taskManager: could not create gocron scheduler: %s", err.Error())
	}

	RegisterHealthcheckService(store)
	if audit != nil && retentionAge > 0 {
		RegisterRetentionService(audit, retentionAge)
	}

	s.Start()
}

// RegisterHealthcheckService pings the cache store every minute so a store
// that dies mid-search shows up in the log before a worker thread trips
// over it.
func RegisterHealthcheckService(store *cachestore.Store) {
	log.Info("Register cache-store healthcheck service")

	s.NewJob(gocron.DurationJob(time.Minute),
		gocron.NewTask(
			func() {
				if err := store.PingWithTimeout(context.Background()); err != nil {
					log.Warnf("taskManager: cache store unreachable: %s", err.Error())
				}
			}))
}

// RegisterRetentionService deletes audit-log rows older than age once a
// day.
func RegisterRetentionService(audit *auditlog.Store, age time.Duration) {
	log.Info("Register audit-log retention service")

	s.NewJob(gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(04, 0, 0))),
		gocron.NewTask(
			func() {
				cnt, err := audit.Prune(context.Background(), age)
				if err != nil {
					log.Errorf("Error while deleting retention evaluations from db: %s", err.Error())
				} else {
					log.Infof("Retention: Removed %d evaluations from db", cnt)
				}
			}))
}

func Shutdown() {
	s.Shutdown()
}
