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

package kubernetes

import (
	"context"

	"github.com/pkg/errors"
	coreV1 "k8s.io/api/core/v1"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

func NewClientConfig() (*rest.Config, error) {
	kubeconfigGetter := clientcmd.NewDefaultClientConfigLoadingRules().Load
	config, err := clientcmd.BuildConfigFromKubeconfigGetter("", kubeconfigGetter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load kubeconfig")
	}
	return config, nil
}

func NewKubernetesClientset(config *rest.Config) (kubernetes.Interface, error) {
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}
	return clientset, nil
}

// ConfigMapClient exposes the optimistic concurrency primitives on config
// maps: updates carry the resource version that was read.
type ConfigMapClient interface {
	Get(ctx context.Context, namespace, name string) (*coreV1.ConfigMap, error)
	Create(ctx context.Context, namespace string, cm *coreV1.ConfigMap) (*coreV1.ConfigMap, error)
	Update(ctx context.Context, namespace string, cm *coreV1.ConfigMap) (*coreV1.ConfigMap, error)
	Delete(ctx context.Context, namespace, name string) error
}

func ConfigMaps(kubernetes kubernetes.Interface) ConfigMapClient {
	return &configMapClient{kubernetes}
}

type configMapClient struct {
	kubernetes kubernetes.Interface
}

func (c *configMapClient) Get(ctx context.Context, namespace, name string) (*coreV1.ConfigMap, error) {
	return c.kubernetes.CoreV1().ConfigMaps(namespace).Get(ctx, name, metaV1.GetOptions{})
}

func (c *configMapClient) Create(ctx context.Context, namespace string, cm *coreV1.ConfigMap) (*coreV1.ConfigMap, error) {
	return c.kubernetes.CoreV1().ConfigMaps(namespace).Create(ctx, cm, metaV1.CreateOptions{})
}

func (c *configMapClient) Update(ctx context.Context, namespace string, cm *coreV1.ConfigMap) (*coreV1.ConfigMap, error) {
	return c.kubernetes.CoreV1().ConfigMaps(namespace).Update(ctx, cm, metaV1.UpdateOptions{})
}

func (c *configMapClient) Delete(ctx context.Context, namespace, name string) error {
	return c.kubernetes.CoreV1().ConfigMaps(namespace).Delete(ctx, name, metaV1.DeleteOptions{})
}
