package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type ChainId uint

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_EthereumHolesky ChainId = 17000
	ChainId_EthereumSepolia ChainId = 11155111
	ChainId_AnvilLocal      ChainId = 31337
)

var (
	SupportedChainIds = []ChainId{
		ChainId_EthereumMainnet,
		ChainId_EthereumHolesky,
		ChainId_EthereumSepolia,
		ChainId_AnvilLocal,
	}
)

const (
	DefaultTaskRegistryAddress      = "0x6Da3D07a6BF01F02fB41c02984a49B5d9Aa6ea92"
	DefaultClientAppRegistryAddress = "0xa8d297D643a11cE83b432e87eEBce6bee0fd2bAb"
	DefaultAVSDirectoryAddress      = "0x055733000064333CaDDbC92763c58BF0192fFeBf"
	DefaultGizaAVSAddress           = "0x68d2Ecd85bDEbfFd075Fb6D87fFD829AD025DD5C"

	// DefaultStartBlock is the block the contracts were deployed at; history replays start here.
	DefaultStartBlock uint64 = 2577255

	DefaultRpcUrl = "http://localhost:8545"
	DefaultWsUrl  = "ws://localhost:8546"

	DefaultAggregatorPort = 8080
	DefaultAggregatorUrl  = "http://0.0.0.0:8080"

	DefaultQueueCapacity = 100
)

// ContractAddresses is shared by the aggregator and operator configs.
type ContractAddresses struct {
	TaskRegistry      string `json:"taskRegistry" yaml:"taskRegistry"`
	ClientAppRegistry string `json:"clientAppRegistry" yaml:"clientAppRegistry"`
	AVSDirectory      string `json:"avsDirectory" yaml:"avsDirectory"`
	GizaAVS           string `json:"gizaAvs" yaml:"gizaAvs"`
}

func (c *ContractAddresses) ApplyDefaults() {
	if c.TaskRegistry == "" {
		c.TaskRegistry = DefaultTaskRegistryAddress
	}
	if c.ClientAppRegistry == "" {
		c.ClientAppRegistry = DefaultClientAppRegistryAddress
	}
	if c.AVSDirectory == "" {
		c.AVSDirectory = DefaultAVSDirectoryAddress
	}
	if c.GizaAVS == "" {
		c.GizaAVS = DefaultGizaAVSAddress
	}
}

// SigningKey identifies an ECDSA key either as a raw hex private key or as a
// go-ethereum keystore (inline JSON or file) with its password.
type SigningKey struct {
	PrivateKey   string `json:"privateKey" yaml:"privateKey"`
	Keystore     string `json:"keystore" yaml:"keystore"`
	KeystoreFile string `json:"keystoreFile" yaml:"keystoreFile"`
	Password     string `json:"password" yaml:"password"`
}

func (k *SigningKey) IsSet() bool {
	return k.PrivateKey != "" || k.Keystore != "" || k.KeystoreFile != ""
}

func KebabToSnakeCase(str string) string {
	return strings.ReplaceAll(str, "-", "_")
}

func NormalizeFlagName(name string) string {
	return KebabToSnakeCase(name)
}

// LoadDotEnv loads .env from the working directory if one exists. Values already
// present in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
