package contracts

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/gizatechxyz/avsthon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend answers eth_call by 4-byte selector and serves a fixed log set.
type fakeBackend struct {
	bind.ContractBackend
	responses map[[4]byte][]byte
	logs      []ethTypes.Log
	queries   []ethereum.FilterQuery
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var selector [4]byte
	copy(selector[:], call.Data[:4])
	return f.responses[selector], nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethTypes.Log, error) {
	f.queries = append(f.queries, q)
	var out []ethTypes.Log
	for _, l := range f.logs {
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && l.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func packOutputs(t *testing.T, parsed *abi.ABI, method string, values ...interface{}) ([4]byte, []byte) {
	t.Helper()
	m, ok := parsed.Methods[method]
	require.True(t, ok, method)
	out, err := m.Outputs.Pack(values...)
	require.NoError(t, err)
	var selector [4]byte
	copy(selector[:], m.ID)
	return selector, out
}

func Test_EmbeddedAbis(t *testing.T) {
	for _, name := range []string{ContractName_TaskRegistry, ContractName_GizaAVS, ContractName_AVSDirectory, ContractName_ClientAppRegistry} {
		parsed, err := GetContractAbi(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, parsed.Methods, name)
	}

	_, err := GetContractAbi("Nope")
	assert.Error(t, err)
}

func Test_TaskRegistry(t *testing.T) {
	parsed, err := GetContractAbi(ContractName_TaskRegistry)
	require.NoError(t, err)

	address := common.HexToAddress("0x6Da3D07a6BF01F02fB41c02984a49B5d9Aa6ea92")
	taskId := types.TaskId(common.HexToHash("0xabc1"))
	appId := common.HexToHash("0xc86aab04e8ef18a63006f43fa41a2a0150bae3dbe276d581fa8b5cde0ccbc966")

	data, err := parsed.Events[Event_TaskRequested].Inputs.NonIndexed().Pack(TaskRequest{AppId: appId})
	require.NoError(t, err)

	requestedLog := ethTypes.Log{
		Address:     address,
		Topics:      []common.Hash{parsed.Events[Event_TaskRequested].ID, common.Hash(taskId)},
		Data:        data,
		BlockNumber: 2577300,
	}

	selector, statusOut := packOutputs(t, parsed, method_tasks, uint8(types.TaskStatus_Completed))
	backend := &fakeBackend{
		responses: map[[4]byte][]byte{selector: statusOut},
		logs:      []ethTypes.Log{requestedLog},
	}

	tr, err := NewTaskRegistry(address, backend)
	require.NoError(t, err)

	t.Run("status", func(t *testing.T) {
		status, err := tr.GetTaskStatus(context.Background(), taskId)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatus_Completed, status)
	})

	t.Run("parse event", func(t *testing.T) {
		ev, err := tr.ParseTaskRequested(requestedLog)
		require.NoError(t, err)
		assert.Equal(t, [32]byte(taskId), ev.TaskId)
		assert.Equal(t, [32]byte(appId), ev.TaskRequest.AppId)
		assert.Equal(t, uint64(2577300), ev.Raw.BlockNumber)
	})

	t.Run("history", func(t *testing.T) {
		events, err := tr.FilterTaskRequested(context.Background(), 2577255)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, [32]byte(taskId), events[0].TaskId)

		q := backend.queries[len(backend.queries)-1]
		assert.Equal(t, uint64(2577255), q.FromBlock.Uint64())
		assert.Nil(t, q.ToBlock)
		assert.Equal(t, []common.Address{address}, q.Addresses)
	})

	t.Run("respond calldata", func(t *testing.T) {
		packed, err := parsed.Pack(method_respondToTask, [32]byte(taskId), uint8(types.TaskStatus_Failed), big.NewInt(0))
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(packed, parsed.Methods[method_respondToTask].ID))
	})
}

func Test_GizaAVS(t *testing.T) {
	parsed, err := GetContractAbi(ContractName_GizaAVS)
	require.NoError(t, err)

	address := common.HexToAddress("0x68d2Ecd85bDEbfFd075Fb6D87fFD829AD025DD5C")
	op1 := common.HexToAddress("0x1111111111111111111111111111111111111111")
	op2 := common.HexToAddress("0x2222222222222222222222222222222222222222")
	topic := parsed.Events[Event_OperatorRegistered].ID

	regSelector, regOut := packOutputs(t, parsed, method_isOperatorRegistered, true)
	optSelector, optOut := packOutputs(t, parsed, method_operatorClientAppIdRegistrationStatus, false)

	backend := &fakeBackend{
		responses: map[[4]byte][]byte{regSelector: regOut, optSelector: optOut},
		logs: []ethTypes.Log{
			{Address: address, Topics: []common.Hash{topic, common.BytesToHash(op1.Bytes())}},
			{Address: address, Topics: []common.Hash{topic, common.BytesToHash(op2.Bytes())}},
			{Address: address, Topics: []common.Hash{topic, common.BytesToHash(op1.Bytes())}},
		},
	}
	g, err := NewGizaAVS(address, backend)
	require.NoError(t, err)

	registered, err := g.IsOperatorRegistered(context.Background(), op1)
	require.NoError(t, err)
	assert.True(t, registered)

	optedIn, err := g.IsOptedInClientApp(context.Background(), op1, common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.False(t, optedIn)

	operators, err := g.FilterOperatorRegistered(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{op1, op2}, operators)

	packed, err := parsed.Pack(method_registerOperatorToAVS, op1, SignatureWithSaltAndExpiry{
		Signature: make([]byte, 65),
		Salt:      [32]byte{1},
		Expiry:    big.NewInt(1779248899),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, packed)
}

func Test_AVSDirectory(t *testing.T) {
	parsed, err := GetContractAbi(ContractName_AVSDirectory)
	require.NoError(t, err)

	digest := common.HexToHash("0xdeadbeef")
	digestSelector, digestOut := packOutputs(t, parsed, method_calculateOperatorAVSRegistrationDigestHash, [32]byte(digest))
	statusSelector, statusOut := packOutputs(t, parsed, method_avsOperatorStatus, uint8(1))

	d, err := NewAVSDirectory(common.HexToAddress("0x055733000064333CaDDbC92763c58BF0192fFeBf"), &fakeBackend{
		responses: map[[4]byte][]byte{digestSelector: digestOut, statusSelector: statusOut},
	})
	require.NoError(t, err)

	got, err := d.CalculateOperatorAVSRegistrationDigestHash(context.Background(), common.Address{1}, common.Address{2}, [32]byte{3}, big.NewInt(4))
	require.NoError(t, err)
	assert.Equal(t, [32]byte(digest), got)

	status, err := d.AvsOperatorStatus(context.Background(), common.Address{2}, common.Address{1})
	require.NoError(t, err)
	assert.Equal(t, OperatorAVSRegistrationStatus_Registered, status)
}

func Test_ClientAppRegistry(t *testing.T) {
	parsed, err := GetContractAbi(ContractName_ClientAppRegistry)
	require.NoError(t, err)

	metadata := ClientAppMetadata{
		Name:        "pi",
		Description: "computes digits",
		LogoUrl:     "https://example.com/logo.png",
		DockerUrl:   "https://github.com/org/repo/pkgs/container/app/layers/org/app/latest/images/sha256:abcd",
	}
	selector, out := packOutputs(t, parsed, method_getClientAppMetadata, metadata)

	address := common.HexToAddress("0xa8d297D643a11cE83b432e87eEBce6bee0fd2bAb")
	appId := common.HexToHash("0x01")
	backend := &fakeBackend{
		responses: map[[4]byte][]byte{selector: out},
		logs: []ethTypes.Log{
			{Address: address, Topics: []common.Hash{parsed.Events[Event_ClientAppRegistered].ID, appId}},
		},
	}
	r, err := NewClientAppRegistry(address, backend)
	require.NoError(t, err)

	got, err := r.GetClientAppMetadata(context.Background(), appId)
	require.NoError(t, err)
	assert.Equal(t, metadata, *got)

	ids, err := r.FilterClientAppRegistered(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{appId}, ids)
}
