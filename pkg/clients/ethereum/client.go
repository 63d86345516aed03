package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

type BlockType string

const (
	BlockType_Latest    BlockType = "latest"
	BlockType_Safe      BlockType = "safe"
	BlockType_Finalized BlockType = "finalized"
)

type EthereumClientConfig struct {
	BaseUrl   string
	WsUrl     string
	BlockType BlockType
}

// Client lazily dials an HTTP connection for calls and transactions and a
// websocket connection for log subscriptions.
type Client struct {
	config *EthereumClientConfig
	logger *zap.Logger

	mu       sync.Mutex
	rpc      *ethclient.Client
	wsClient *ethclient.Client
}

func NewEthereumClient(cfg *EthereumClientConfig, logger *zap.Logger) *Client {
	if cfg.BlockType == "" {
		cfg.BlockType = BlockType_Latest
	}
	return &Client{
		config: cfg,
		logger: logger,
	}
}

func (c *Client) GetEthereumContractCaller() (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc != nil {
		return c.rpc, nil
	}
	if c.config.BaseUrl == "" {
		return nil, fmt.Errorf("no rpc url configured")
	}
	caller, err := ethclient.Dial(c.config.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.config.BaseUrl, err)
	}
	c.logger.Sugar().Infow("Connected to ethereum rpc", "url", c.config.BaseUrl)
	c.rpc = caller
	return caller, nil
}

// GetWebsocketClient returns the websocket connection, dialing it if needed.
func (c *Client) GetWebsocketClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsClient != nil {
		return c.wsClient, nil
	}
	if c.config.WsUrl == "" {
		return nil, fmt.Errorf("no websocket url configured")
	}
	ws, err := ethclient.DialContext(ctx, c.config.WsUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.config.WsUrl, err)
	}
	c.logger.Sugar().Infow("Connected to ethereum websocket", "url", c.config.WsUrl)
	c.wsClient = ws
	return ws, nil
}

// ResetWebsocketClient drops the websocket connection so the next
// GetWebsocketClient call redials.
func (c *Client) ResetWebsocketClient() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
}

// ContractBackend is the HTTP connection as a bind.ContractBackend, used for
// calls, log queries and transactions.
func (c *Client) ContractBackend(ctx context.Context) (bind.ContractBackend, error) {
	caller, err := c.GetEthereumContractCaller()
	if err != nil {
		return nil, err
	}
	return caller, nil
}

// SubscriptionBackend is the websocket connection as a bind.ContractBackend,
// used for log subscriptions.
func (c *Client) SubscriptionBackend(ctx context.Context) (bind.ContractBackend, error) {
	ws, err := c.GetWebsocketClient(ctx)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (c *Client) GetLatestBlock(ctx context.Context) (uint64, error) {
	caller, err := c.GetEthereumContractCaller()
	if err != nil {
		return 0, err
	}
	if c.config.BlockType == BlockType_Latest {
		return caller.BlockNumber(ctx)
	}
	header, err := caller.HeaderByNumber(ctx, blockTagNumber(c.config.BlockType))
	if err != nil {
		return 0, fmt.Errorf("failed to get %s block: %w", c.config.BlockType, err)
	}
	return header.Number.Uint64(), nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
}

func blockTagNumber(blockType BlockType) *big.Int {
	switch blockType {
	case BlockType_Safe:
		return big.NewInt(int64(rpc.SafeBlockNumber))
	case BlockType_Finalized:
		return big.NewInt(int64(rpc.FinalizedBlockNumber))
	default:
		return nil
	}
}
