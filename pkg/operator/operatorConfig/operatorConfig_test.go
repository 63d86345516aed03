package operatorConfig

import (
	"testing"

	"github.com/gizatechxyz/avsthon/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validYaml = `
---
chain:
  chainId: 17000
  rpcUrl: https://ethereum-holesky-rpc.publicnode.com
  wsUrl: wss://ethereum-holesky-rpc.publicnode.com
signingKey:
  privateKey: 2a7f875389f0ce57b6d3200fb88e9a95e864a2ff589e8b1b11e56faff32a1fc5
aggregatorUrl: http://aggregator:8080
executor:
  type: wasm
  wasmModuleDir: /opt/modules
`
	invalidYaml = `
---
chain:
  chainId: [17000]
`
	validJson = `{"signingKey": {"privateKey": "0x01"}}`
)

func Test_OperatorConfig(t *testing.T) {
	t.Run("yaml with defaults", func(t *testing.T) {
		c, err := NewOperatorConfigFromYamlBytes([]byte(validYaml))
		require.NoError(t, err)
		c.ApplyDefaults()
		require.NoError(t, c.Validate())

		assert.Equal(t, "http://aggregator:8080", c.AggregatorUrl)
		assert.Equal(t, ExecutorType_Wasm, c.Executor.Type)
		assert.Equal(t, config.DefaultQueueCapacity, c.QueueCapacity)
		assert.Equal(t, DefaultRegistrationSalt, c.Registration.Salt)
		assert.Equal(t, uint64(DefaultRegistrationExpiry), c.Registration.Expiry)
		assert.Equal(t, []string{DefaultClientAppId}, c.Registration.ClientAppIds)
		assert.Equal(t, DefaultSubmissionAttempts, c.Submission.MaxAttempts)
		assert.Equal(t, config.DefaultTaskRegistryAddress, c.Contracts.TaskRegistry)
	})

	t.Run("json defaults to docker on the standard socket", func(t *testing.T) {
		c, err := NewOperatorConfigFromJsonBytes([]byte(validJson))
		require.NoError(t, err)
		c.ApplyDefaults()
		require.NoError(t, c.Validate())
		assert.Equal(t, ExecutorType_Docker, c.Executor.Type)
		assert.Equal(t, DefaultDockerSockPath, c.Executor.DockerSockPath)
		assert.Equal(t, config.DefaultAggregatorUrl, c.AggregatorUrl)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := NewOperatorConfigFromYamlBytes([]byte(invalidYaml))
		assert.Error(t, err)
	})

	t.Run("validation errors", func(t *testing.T) {
		c := &OperatorConfig{}
		c.ApplyDefaults()
		c.AggregatorUrl = "not a url"
		c.Registration.Salt = "0x1234"
		c.Executor.Type = "kubernetes"

		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signingKey")
		assert.Contains(t, err.Error(), "aggregatorUrl")
		assert.Contains(t, err.Error(), "registration.salt")
		assert.Contains(t, err.Error(), "executor.type")
	})
}
