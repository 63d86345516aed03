package aggregatorConfig

import (
	"testing"

	"github.com/gizatechxyz/avsthon/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validJson = `
{
	"chain": {
		"chainId": 17000,
		"rpcUrl": "https://ethereum-holesky-rpc.publicnode.com",
		"wsUrl": "wss://ethereum-holesky-rpc.publicnode.com"
	},
	"signingKey": {
		"privateKey": "2a7f875389f0ce57b6d3200fb88e9a95e864a2ff589e8b1b11e56faff32a1fc5"
	}
}`
	invalidJson = `
{
	"chain": {
		"chainId": "holesky",
		"rpcUrl": "https://ethereum-holesky-rpc.publicnode.com"
	}
}`

	validYaml = `
---
chain:
  chainId: 17000
  rpcUrl: https://ethereum-holesky-rpc.publicnode.com
  wsUrl: wss://ethereum-holesky-rpc.publicnode.com
signingKey:
  privateKey: 2a7f875389f0ce57b6d3200fb88e9a95e864a2ff589e8b1b11e56faff32a1fc5
consensus:
  policy: quorum
storage:
  type: badger
  badger:
    dir: /tmp/aggregator
`
	invalidYaml = `
---
chain:
  chainId: True
  rpcUrl: https://ethereum-holesky-rpc.publicnode.com
`
	simulationYaml = `
---
simulation:
  enabled: true
membership:
  staticOperators:
    - "0x1111111111111111111111111111111111111111"
    - "0x2222222222222222222222222222222222222222"
`
)

func Test_AggregatorConfig(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		t.Run("Should create a new aggregator config from a json string", func(t *testing.T) {
			c, err := NewAggregatorConfigFromJsonBytes([]byte(validJson))
			require.NoError(t, err)
			require.NotNil(t, c)

			c.ApplyDefaults()
			assert.NoError(t, c.Validate())
			assert.Equal(t, config.ChainId_EthereumHolesky, c.Chain.ChainId)
		})
		t.Run("Should fail to create a new aggregator config from an invalid json string", func(t *testing.T) {
			c, err := NewAggregatorConfigFromJsonBytes([]byte(invalidJson))
			assert.Error(t, err)
			assert.Nil(t, c)
		})
	})
	t.Run("YAML", func(t *testing.T) {
		t.Run("Should create a new aggregator config from a yaml string", func(t *testing.T) {
			c, err := NewAggregatorConfigFromYamlBytes([]byte(validYaml))
			require.NoError(t, err)
			require.NotNil(t, c)

			c.ApplyDefaults()
			assert.NoError(t, c.Validate())
			assert.Equal(t, ConsensusPolicy_Quorum, c.Consensus.Policy)
			assert.Equal(t, 6667, c.Consensus.QuorumThresholdBips)
			assert.Equal(t, StorageType_Badger, c.Storage.Type)
			assert.Equal(t, "/tmp/aggregator", c.Storage.BadgerConfig.Dir)
		})
		t.Run("Should fail to create a new aggregator config from an invalid yaml string", func(t *testing.T) {
			c, err := NewAggregatorConfigFromYamlBytes([]byte(invalidYaml))
			assert.Error(t, err)
			assert.Nil(t, c)
		})
	})
}

func Test_AggregatorConfigDefaults(t *testing.T) {
	c := &AggregatorConfig{}
	c.ApplyDefaults()

	assert.Equal(t, config.DefaultAggregatorPort, c.Server.Port)
	assert.Equal(t, config.DefaultStartBlock, c.Listener.FromBlock)
	assert.Equal(t, 3, c.Listener.ReconnectAttempts)
	assert.Equal(t, config.DefaultQueueCapacity, c.Pipeline.ChannelCapacity)
	assert.Equal(t, ConsensusPolicy_Full, c.Consensus.Policy)
	assert.Equal(t, RefreshPolicy_Static, c.Membership.RefreshPolicy)
	assert.Equal(t, StorageType_Memory, c.Storage.Type)
	assert.Equal(t, config.DefaultTaskRegistryAddress, c.Contracts.TaskRegistry)
	assert.Equal(t, 0, c.Accumulator.FinalizedTtlSeconds)

	// no signing key outside simulation
	assert.Error(t, c.Validate())
}

func Test_AggregatorConfigValidate(t *testing.T) {
	t.Run("simulation needs no signing key", func(t *testing.T) {
		c, err := NewAggregatorConfigFromYamlBytes([]byte(simulationYaml))
		require.NoError(t, err)
		c.ApplyDefaults()
		assert.NoError(t, c.Validate())
	})
	t.Run("simulation without operators", func(t *testing.T) {
		c := &AggregatorConfig{Simulation: SimulationConfig{Enabled: true}}
		c.ApplyDefaults()
		assert.Error(t, c.Validate())
	})
	t.Run("bad static operator", func(t *testing.T) {
		c := &AggregatorConfig{
			Simulation: SimulationConfig{Enabled: true},
			Membership: MembershipConfig{StaticOperators: []string{"not-an-address"}},
		}
		c.ApplyDefaults()
		assert.Error(t, c.Validate())
	})
	t.Run("unknown policy", func(t *testing.T) {
		c, err := NewAggregatorConfigFromYamlBytes([]byte(simulationYaml))
		require.NoError(t, err)
		c.Consensus.Policy = "majority"
		c.ApplyDefaults()
		assert.Error(t, c.Validate())
	})
	t.Run("quorum threshold out of range", func(t *testing.T) {
		c, err := NewAggregatorConfigFromYamlBytes([]byte(simulationYaml))
		require.NoError(t, err)
		c.Consensus = ConsensusConfig{Policy: ConsensusPolicy_Quorum, QuorumThresholdBips: 20000}
		c.ApplyDefaults()
		assert.Error(t, c.Validate())
	})
	t.Run("redis storage needs an address", func(t *testing.T) {
		c, err := NewAggregatorConfigFromYamlBytes([]byte(simulationYaml))
		require.NoError(t, err)
		c.Storage = &StorageConfig{Type: StorageType_Redis}
		c.ApplyDefaults()
		assert.Error(t, c.Validate())

		c.Storage.RedisConfig = &RedisConfig{Addr: "127.0.0.1:6379"}
		assert.NoError(t, c.Validate())
	})
}
