// Copyright 2023 StreamNative, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/common/metrics"
	"github.com/streamnative/leasekeeper/kv"
	"github.com/streamnative/leasekeeper/leasestore"
	"github.com/streamnative/leasekeeper/logsource"
	"github.com/streamnative/leasekeeper/processor"
)

type StandaloneConfig struct {
	Worker Config

	Workers    int
	DataDir    string
	Partitions int

	// Records appended per second to the local log. Zero disables the producer
	ProduceRate   float64
	// Interval between splits of a random open partition. Zero disables them
	SplitInterval time.Duration
}

func NewStandaloneConfig() StandaloneConfig {
	return StandaloneConfig{
		Worker:      NewConfig(),
		Workers:     3,
		DataDir:     "./data/standalone",
		Partitions:  4,
		ProduceRate: 10,
	}
}

// Standalone runs several workers in one process, over a local log and a
// lease store that share the same Pebble database.
type Standalone struct {
	config  StandaloneConfig
	db      kv.KV
	log     *logsource.Local
	store   leasestore.Store
	workers []*Worker
	metrics *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewStandalone(config StandaloneConfig, handler processor.RecordHandler) (*Standalone, error) {
	slog.Info(
		"Starting leasekeeper standalone",
		slog.Any("config", config),
	)
	if config.Workers <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "number of workers must be positive, got %d", config.Workers)
	}

	s := &Standalone{
		config: config,
		logger: slog.With(
			slog.String("component", "standalone"),
		),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	if s.db, err = kv.NewPebbleKV(kv.Options{
		DataDir: filepath.Join(config.DataDir, "db"),
		Name:    "standalone",
	}); err != nil {
		return nil, err
	}
	if s.log, err = logsource.NewLocal(s.db, config.Partitions, config.Worker.Clock); err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	s.store = leasestore.NewPebbleStoreWithKV(s.db)

	for i := 0; i < config.Workers; i++ {
		wc := config.Worker
		wc.WorkerID = fmt.Sprintf("standalone-%d", i)
		w, err := New(wc, s.log, s.store, handler)
		if err != nil {
			return nil, multierr.Append(err, s.Close())
		}
		s.workers = append(s.workers, w)
	}

	if config.Worker.MetricsServiceAddr != "" {
		if s.metrics, err = metrics.Start(config.Worker.MetricsServiceAddr); err != nil {
			return nil, multierr.Append(err, s.Close())
		}
	}

	for _, w := range s.workers {
		w.Start()
	}

	if config.ProduceRate > 0 {
		s.wg.Add(1)
		go common.DoWithLabels(s.ctx, map[string]string{
			"component": "standalone-producer",
		}, s.produce)
	}
	if config.SplitInterval > 0 {
		s.wg.Add(1)
		go common.DoWithLabels(s.ctx, map[string]string{
			"component": "standalone-splitter",
		}, s.splitPeriodically)
	}
	return s, nil
}

func (s *Standalone) produce() {
	defer s.wg.Done()

	limiter := rate.NewLimiter(rate.Limit(s.config.ProduceRate), 1)
	for {
		if err := limiter.Wait(s.ctx); err != nil {
			return
		}

		record, err := s.log.Append(s.ctx, uuid.NewString(), []byte(time.Now().Format(time.RFC3339Nano)))
		if err != nil {
			s.logger.Warn(
				"Failed to append record",
				slog.Any("error", err),
			)
			continue
		}
		s.logger.Debug(
			"Appended record",
			slog.String("partition", record.PartitionID),
			slog.String("sequence-number", record.SequenceNumber),
		)
	}
}

func (s *Standalone) splitPeriodically() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SplitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.splitRandom(); err != nil {
				s.logger.Warn(
					"Failed to split partition",
					slog.Any("error", err),
				)
			}
		}
	}
}

func (s *Standalone) splitRandom() error {
	partitions, err := s.log.ListPartitions(s.ctx)
	if err != nil {
		return err
	}

	var open []string
	for _, p := range partitions {
		if !p.IsClosed() {
			open = append(open, p.ID)
		}
	}
	if len(open) == 0 {
		return nil
	}

	//nolint:gosec
	parent := open[rand.Intn(len(open))]
	children, err := s.log.Split(s.ctx, parent)
	if err != nil {
		return err
	}
	s.logger.Info(
		"Split partition",
		slog.String("partition", parent),
		slog.Any("children", children),
	)
	return nil
}

func (s *Standalone) Workers() []*Worker {
	return s.workers
}

func (s *Standalone) Log() *logsource.Local {
	return s.log
}

func (s *Standalone) Close() error {
	s.cancel()
	s.wg.Wait()

	var err error
	for _, w := range s.workers {
		err = multierr.Append(err, w.Close())
	}
	if s.metrics != nil {
		err = multierr.Append(err, s.metrics.Close())
	}
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
	}
	if s.db != nil {
		err = multierr.Append(err, s.db.Close())
	}
	return err
}
