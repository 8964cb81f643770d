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

package leasestore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	coreV1 "k8s.io/api/core/v1"
	k8sError "k8s.io/apimachinery/pkg/api/errors"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/kubernetes"
	"github.com/streamnative/leasekeeper/model"
)

const configMapLeasesKey = "leases"

var errResourceVersionConflict = errors.New("config map resource version conflict")

type configMapStore struct {
	sync.Mutex
	client          kubernetes.ConfigMapClient
	namespace, name string
	log             *slog.Logger
}

// NewConfigMapStore keeps all the leases in a single config map. Writes use
// the resource version of the config map they were computed from, so the
// API server rejects the ones based on a stale read.
func NewConfigMapStore(kc k8s.Interface, namespace, name string) Store {
	return &configMapStore{
		client:    kubernetes.ConfigMaps(kc),
		namespace: namespace,
		name:      name,
		log: slog.With(
			slog.String("component", "configmap-lease-store"),
			slog.String("namespace", namespace),
			slog.String("name", name),
		),
	}
}

func (m *configMapStore) Close() error {
	return nil
}

// read returns the leases with the resource version they were read at. An
// empty version means the config map does not exist yet.
func (m *configMapStore) read(ctx context.Context) (map[string]model.Lease, string, error) {
	cm, err := m.client.Get(ctx, m.namespace, m.name)
	if err != nil {
		if k8sError.IsNotFound(err) {
			return map[string]model.Lease{}, "", nil
		}
		return nil, "", errors.Wrap(err, "failed to read config map")
	}

	leases := map[string]model.Lease{}
	if err := yaml.Unmarshal([]byte(cm.Data[configMapLeasesKey]), &leases); err != nil {
		return nil, "", errors.Wrap(err, "failed to parse leases from config map")
	}
	return leases, cm.ResourceVersion, nil
}

func (m *configMapStore) write(ctx context.Context, leases map[string]model.Lease, version string) error {
	content, err := yaml.Marshal(leases)
	if err != nil {
		return err
	}

	cm := &coreV1.ConfigMap{
		ObjectMeta: metaV1.ObjectMeta{
			Name:            m.name,
			ResourceVersion: version,
		},
		Data: map[string]string{
			configMapLeasesKey: string(content),
		},
	}

	if version == "" {
		_, err = m.client.Create(ctx, m.namespace, cm)
		if k8sError.IsAlreadyExists(err) {
			return errResourceVersionConflict
		}
	} else {
		_, err = m.client.Update(ctx, m.namespace, cm)
		if k8sError.IsConflict(err) {
			return errResourceVersionConflict
		}
	}
	return err
}

// mutate applies fn to a fresh read of the leases and writes the result,
// starting over when someone else updated the config map in between.
func (m *configMapStore) mutate(ctx context.Context, fn func(leases map[string]model.Lease) (bool, error)) error {
	m.Lock()
	defer m.Unlock()

	return backoff.RetryNotify(func() error {
		leases, version, err := m.read(ctx)
		if err != nil {
			return err
		}

		modified, err := fn(leases)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !modified {
			return nil
		}

		if err := m.write(ctx, leases, version); err != nil {
			if errors.Is(err, errResourceVersionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, common.NewBackOffWithInitialInterval(ctx, common.DefaultInitialInterval/10), func(err error, duration time.Duration) {
		m.log.Debug(
			"Retrying config map update",
			slog.Any("error", err),
			slog.Duration("retry-after", duration),
		)
	})
}

func (m *configMapStore) CreateIfAbsent(ctx context.Context, lease model.Lease) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	return m.mutate(ctx, func(leases map[string]model.Lease) (bool, error) {
		if _, ok := leases[lease.PartitionID]; ok {
			return false, exists(lease.PartitionID)
		}
		leases[lease.PartitionID] = lease
		return true, nil
	})
}

func (m *configMapStore) Get(ctx context.Context, partitionID string) (model.Lease, error) {
	m.Lock()
	defer m.Unlock()

	leases, _, err := m.read(ctx)
	if err != nil {
		return model.Lease{}, err
	}
	l, ok := leases[partitionID]
	if !ok {
		return model.Lease{}, notFound(partitionID)
	}
	return l, nil
}

func (m *configMapStore) ConditionalUpdate(ctx context.Context, partitionID string, expectedFencingCounter int64, fields Fields) (res model.Lease, err error) {
	err = m.mutate(ctx, func(leases map[string]model.Lease) (bool, error) {
		existing, ok := leases[partitionID]
		if !ok {
			return false, notFound(partitionID)
		}

		updated, err := applyUpdate(existing, expectedFencingCounter, fields)
		if err != nil {
			return false, err
		}
		leases[partitionID] = updated
		res = updated
		return true, nil
	})
	return res, err
}

func (m *configMapStore) Scan(ctx context.Context) ([]model.Lease, error) {
	m.Lock()
	defer m.Unlock()

	leases, _, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]model.Lease, 0, len(leases))
	for _, l := range leases {
		res = append(res, l)
	}
	return sortLeases(res), nil
}

func (m *configMapStore) Delete(ctx context.Context, partitionID string) error {
	return m.mutate(ctx, func(leases map[string]model.Lease) (bool, error) {
		if _, ok := leases[partitionID]; !ok {
			return false, notFound(partitionID)
		}
		delete(leases, partitionID)
		return true, nil
	})
}
