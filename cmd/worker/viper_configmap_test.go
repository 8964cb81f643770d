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
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"

	k8stesting "github.com/streamnative/leasekeeper/kubernetes/testing"
)

type remoteProvider struct {
	path string
}

func (remoteProvider) Provider() string      { return "configmap" }
func (remoteProvider) Endpoint() string      { return "endpoint" }
func (r remoteProvider) Path() string        { return r.path }
func (remoteProvider) SecretKeyring() string { return "" }

func TestGetNamespaceAndCmName(t *testing.T) {
	ns, name, err := getNamespaceAndCmName(remoteProvider{"configmap:default/workers"})
	require.NoError(t, err)
	assert.Equal(t, "default", ns)
	assert.Equal(t, "workers", name)

	for _, path := range []string{"configmap:default", "configmap:/workers", "configmap:a/b/c"} {
		_, _, err = getNamespaceAndCmName(remoteProvider{path})
		assert.Error(t, err, path)
	}
}

func TestWorkerCmd_ConfigMap(t *testing.T) {
	kc := k8stesting.NewFakeClientset()
	_, err := kc.CoreV1().ConfigMaps("default").Create(context.Background(), &v1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "workers"},
		Data: map[string]string{
			configMapKey: "workerId: worker-from-cm\nleaseTimeout: 45s\n",
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	previous := newClientset
	newClientset = func() (k8s.Interface, error) { return kc, nil }
	t.Cleanup(func() {
		newClientset = previous
		configFile = ""
	})

	Cmd.SetArgs([]string{"--conf", "configmap:default/workers"})
	Cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd, viper.New())
	}
	require.NoError(t, Cmd.Execute())

	assert.Equal(t, "worker-from-cm", conf.WorkerID)
	assert.Equal(t, 45*time.Second, conf.LeaseTimeout)

	_, err = (&cmConfigProvider{}).Get(remoteProvider{"configmap:default/missing"})
	assert.Error(t, err)
}
