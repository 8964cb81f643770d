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
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/streamnative/leasekeeper/common"
	"github.com/streamnative/leasekeeper/kubernetes"
)

const (
	configMapPrefix = "configmap:"
	configMapKey    = "worker.yaml"
)

// The clientset is created lazily, so that a worker started from a file
// never needs a kubeconfig.
var newClientset = func() (k8s.Interface, error) {
	restConfig, err := kubernetes.NewClientConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewKubernetesClientset(restConfig)
}

type cmConfigProvider struct {
}

func configIsRemote() bool {
	return strings.HasPrefix(configFile, configMapPrefix)
}

func getNamespaceAndCmName(rp viper.RemoteProvider) (namespace, cmName string, err error) {
	p := strings.Split(strings.TrimPrefix(rp.Path(), configMapPrefix), "/")
	if len(p) != 2 || p[0] == "" || p[1] == "" {
		return "", "", errors.Errorf("invalid configmap path '%s', expected configmap:<namespace>/<name>", rp.Path())
	}
	return p[0], p[1], nil
}

func (*cmConfigProvider) Get(rp viper.RemoteProvider) (io.Reader, error) {
	namespace, name, err := getNamespaceAndCmName(rp)
	if err != nil {
		return nil, err
	}
	kc, err := newClientset()
	if err != nil {
		return nil, err
	}

	cm, err := kubernetes.ConfigMaps(kc).Get(context.Background(), namespace, name)
	if err != nil {
		return nil, err
	}
	data, ok := cm.Data[configMapKey]
	if !ok {
		return nil, errors.Errorf("key %s not found in config map %s", configMapKey, rp.Path())
	}
	return bytes.NewReader([]byte(data)), nil
}

func (c *cmConfigProvider) Watch(rp viper.RemoteProvider) (io.Reader, error) {
	return c.Get(rp)
}

func (*cmConfigProvider) WatchChannel(rp viper.RemoteProvider) (<-chan *viper.RemoteResponse, chan bool) {
	ch := make(chan *viper.RemoteResponse, 1)
	quit := make(chan bool)

	namespace, name, err := getNamespaceAndCmName(rp)
	var kc k8s.Interface
	if err == nil {
		kc, err = newClientset()
	}
	var w watch.Interface
	if err == nil {
		w, err = kc.CoreV1().ConfigMaps(namespace).Watch(context.Background(), metav1.ListOptions{
			FieldSelector: "metadata.name=" + name,
		})
	}
	if err != nil {
		slog.Error(
			"Failed to setup watch on config map",
			slog.String("k8s-config-map", rp.Path()),
			slog.Any("error", err),
		)
		ch <- &viper.RemoteResponse{Error: err}
		close(ch)
		return ch, quit
	}

	go common.DoWithLabels(context.Background(), map[string]string{
		"component": "k8s-configmap-watch",
	}, func() {
		defer close(ch)
		defer w.Stop()

		for {
			select {
			case <-quit:
				return
			case res, ok := <-w.ResultChan():
				if !ok {
					return
				}
				cm, ok := res.Object.(*v1.ConfigMap)
				if !ok || cm.Name != name {
					continue
				}

				slog.Info(
					"Got watch event from K8S",
					slog.String("k8s-namespace", namespace),
					slog.String("k8s-config-map", name),
					slog.Any("event-type", res.Type),
				)

				switch res.Type {
				case watch.Added, watch.Modified:
					data := []byte(cm.Data[configMapKey])
					applyLogLevelFrom(data)
					ch <- &viper.RemoteResponse{Value: data}
				default:
					ch <- &viper.RemoteResponse{
						Error: errors.Errorf("unexpected event on config map: %v", res.Type),
					}
				}
			}
		}
	})

	return ch, quit
}

// applyLogLevelFrom reads the log level out of a raw config document.
func applyLogLevelFrom(data []byte) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		slog.Warn(
			"Invalid worker config in config map",
			slog.Any("error", err),
		)
		return
	}
	v := viper.New()
	v.Set(logLevelKey, doc[logLevelKey])
	applyLogLevel(v)
}

func init() {
	viper.RemoteConfig = &cmConfigProvider{}
	viper.SupportedRemoteProviders = []string{"configmap"}
}
