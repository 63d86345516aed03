package ethereum

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gizatechxyz/avsthon/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_EthereumClient(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	t.Run("defaults to latest block", func(t *testing.T) {
		c := NewEthereumClient(&EthereumClientConfig{BaseUrl: "http://localhost:8545"}, l)
		assert.Equal(t, BlockType_Latest, c.config.BlockType)
	})

	t.Run("missing urls are reported", func(t *testing.T) {
		c := NewEthereumClient(&EthereumClientConfig{}, l)
		defer c.Close()

		_, err := c.GetEthereumContractCaller()
		assert.Error(t, err)

		_, err = c.GetWebsocketClient(context.Background())
		assert.Error(t, err)
	})

	t.Run("block tags", func(t *testing.T) {
		assert.Nil(t, blockTagNumber(BlockType_Latest))
		assert.Equal(t, int64(rpc.SafeBlockNumber), blockTagNumber(BlockType_Safe).Int64())
		assert.Equal(t, int64(rpc.FinalizedBlockNumber), blockTagNumber(BlockType_Finalized).Int64())
	})
}
