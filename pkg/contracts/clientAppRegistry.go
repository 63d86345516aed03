package contracts

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const (
	Event_ClientAppRegistered = "ClientAppRegistered"

	method_getClientAppMetadata = "getClientAppMetadata"
)

type ClientAppMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LogoUrl     string `json:"logoUrl"`
	DockerUrl   string `json:"dockerUrl"`
}

type ClientAppRegistry struct {
	*boundContract
}

func NewClientAppRegistry(address common.Address, backend bind.ContractBackend) (*ClientAppRegistry, error) {
	bc, err := newBoundContract(ContractName_ClientAppRegistry, address, backend)
	if err != nil {
		return nil, err
	}
	return &ClientAppRegistry{boundContract: bc}, nil
}

func (r *ClientAppRegistry) GetClientAppMetadata(ctx context.Context, clientAppId common.Hash) (*ClientAppMetadata, error) {
	out, err := r.call(ctx, method_getClientAppMetadata, [32]byte(clientAppId))
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(ClientAppMetadata)).(*ClientAppMetadata), nil
}

// FilterClientAppRegistered lists every registered client app id since
// fromBlock, deduplicated.
func (r *ClientAppRegistry) FilterClientAppRegistered(ctx context.Context, fromBlock uint64) ([]common.Hash, error) {
	logs, err := r.filterLogs(ctx, Event_ClientAppRegistered, fromBlock, nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[common.Hash]struct{}, len(logs))
	ids := make([]common.Hash, 0, len(logs))
	for _, log := range logs {
		if len(log.Topics) < 2 {
			continue
		}
		id := log.Topics[1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
