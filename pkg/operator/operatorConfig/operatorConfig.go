package operatorConfig

import (
	"encoding/json"
	"net/url"
	"slices"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gizatechxyz/avsthon/pkg/config"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"
)

const (
	EnvPrefix = "OPERATOR_"

	Debug          = "debug"
	ConfigFile     = "config"
	AggregatorUrl  = "aggregator-url"
	PrivateKey     = "private-key"
	DockerSockPath = "docker-sock-path"
	ExecutorType   = "executor-type"

	ExecutorType_Docker = "docker"
	ExecutorType_Wasm   = "wasm"

	DefaultDockerSockPath = "/var/run/docker.sock"

	// DefaultRegistrationSalt and DefaultRegistrationExpiry are the values the
	// deployed AVS accepts for operator registration digests.
	DefaultRegistrationSalt   = "0x2ef06b8bbad022ca2dd29795902ceb588d06d1cfd10cb6e687db0dbb837865e9"
	DefaultRegistrationExpiry = 1779248899
	DefaultClientAppId        = "0xc86aab04e8ef18a63006f43fa41a2a0150bae3dbe276d581fa8b5cde0ccbc966"

	DefaultSubmissionAttempts     = 4
	DefaultSubmissionRetryDelayMs = 1000
	DefaultAppCacheSize           = 128
	DefaultAppCacheTtlSeconds     = 600
	DefaultExecutionTimeoutSecs   = 300
	DefaultReconnectAttempts      = 3
)

type Chain struct {
	ChainId config.ChainId `json:"chainId" yaml:"chainId"`
	RpcUrl  string         `json:"rpcUrl" yaml:"rpcUrl"`
	WsUrl   string         `json:"wsUrl" yaml:"wsUrl"`
}

type RegistrationConfig struct {
	Salt   string `json:"salt" yaml:"salt"`
	Expiry uint64 `json:"expiry" yaml:"expiry"`
	// ClientAppIds are opted into after AVS registration.
	ClientAppIds []string `json:"clientAppIds" yaml:"clientAppIds"`
}

type ExecutorConfig struct {
	Type           string `json:"type" yaml:"type"`
	DockerSockPath string `json:"dockerSockPath" yaml:"dockerSockPath"`
	// WasmModuleDir holds <appId>.wasm modules for the wasm executor.
	WasmModuleDir  string `json:"wasmModuleDir" yaml:"wasmModuleDir"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type SubmissionConfig struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts  int `json:"maxAttempts" yaml:"maxAttempts"`
	RetryDelayMs int `json:"retryDelayMs" yaml:"retryDelayMs"`
}

type AppCacheConfig struct {
	Size       int `json:"size" yaml:"size"`
	TtlSeconds int `json:"ttlSeconds" yaml:"ttlSeconds"`
	// Prefetch pulls every registered application's image at startup.
	Prefetch bool `json:"prefetch" yaml:"prefetch"`
}

// SimulationConfig replaces the ledger with a local event feed and skips
// registration and the app registry.
type SimulationConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	EventsPort int  `json:"eventsPort" yaml:"eventsPort"`
}

type OperatorConfig struct {
	Debug             bool                     `json:"debug" yaml:"debug"`
	Chain             Chain                    `json:"chain" yaml:"chain"`
	Contracts         config.ContractAddresses `json:"contracts" yaml:"contracts"`
	SigningKey        *config.SigningKey       `json:"signingKey" yaml:"signingKey"`
	AggregatorUrl     string                   `json:"aggregatorUrl" yaml:"aggregatorUrl"`
	QueueCapacity     int                      `json:"queueCapacity" yaml:"queueCapacity"`
	FromBlock         uint64                   `json:"fromBlock" yaml:"fromBlock"`
	// ReconnectAttempts bounds re-subscription after the event stream drops.
	ReconnectAttempts int                      `json:"reconnectAttempts" yaml:"reconnectAttempts"`
	Registration      RegistrationConfig       `json:"registration" yaml:"registration"`
	Executor          ExecutorConfig           `json:"executor" yaml:"executor"`
	Submission        SubmissionConfig         `json:"submission" yaml:"submission"`
	AppCache          AppCacheConfig           `json:"appCache" yaml:"appCache"`
	Simulation        SimulationConfig         `json:"simulation" yaml:"simulation"`
}

func (oc *OperatorConfig) ApplyDefaults() {
	if oc.Chain.ChainId == 0 {
		oc.Chain.ChainId = config.ChainId_EthereumHolesky
	}
	if oc.Chain.RpcUrl == "" {
		oc.Chain.RpcUrl = config.DefaultRpcUrl
	}
	if oc.Chain.WsUrl == "" {
		oc.Chain.WsUrl = config.DefaultWsUrl
	}
	oc.Contracts.ApplyDefaults()
	if oc.AggregatorUrl == "" {
		oc.AggregatorUrl = config.DefaultAggregatorUrl
	}
	if oc.QueueCapacity == 0 {
		oc.QueueCapacity = config.DefaultQueueCapacity
	}
	if oc.FromBlock == 0 {
		oc.FromBlock = config.DefaultStartBlock
	}
	if oc.ReconnectAttempts == 0 {
		oc.ReconnectAttempts = DefaultReconnectAttempts
	}
	if oc.Registration.Salt == "" {
		oc.Registration.Salt = DefaultRegistrationSalt
	}
	if oc.Registration.Expiry == 0 {
		oc.Registration.Expiry = DefaultRegistrationExpiry
	}
	if oc.Registration.ClientAppIds == nil {
		oc.Registration.ClientAppIds = []string{DefaultClientAppId}
	}
	if oc.Executor.Type == "" {
		oc.Executor.Type = ExecutorType_Docker
	}
	if oc.Executor.DockerSockPath == "" {
		oc.Executor.DockerSockPath = DefaultDockerSockPath
	}
	if oc.Executor.TimeoutSeconds == 0 {
		oc.Executor.TimeoutSeconds = DefaultExecutionTimeoutSecs
	}
	if oc.Submission.MaxAttempts == 0 {
		oc.Submission.MaxAttempts = DefaultSubmissionAttempts
	}
	if oc.Submission.RetryDelayMs == 0 {
		oc.Submission.RetryDelayMs = DefaultSubmissionRetryDelayMs
	}
	if oc.AppCache.Size == 0 {
		oc.AppCache.Size = DefaultAppCacheSize
	}
	if oc.AppCache.TtlSeconds == 0 {
		oc.AppCache.TtlSeconds = DefaultAppCacheTtlSeconds
	}
}

func (oc *OperatorConfig) Validate() error {
	var allErrors field.ErrorList
	if oc.Chain.ChainId == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("chain", "chainId"), "chainId is required"))
	} else if !slices.Contains(config.SupportedChainIds, oc.Chain.ChainId) {
		allErrors = append(allErrors, field.Invalid(field.NewPath("chain", "chainId"), oc.Chain.ChainId, "unsupported chainId"))
	}
	if oc.Chain.RpcUrl == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("chain", "rpcUrl"), "rpcUrl is required"))
	}
	if oc.Chain.WsUrl == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("chain", "wsUrl"), "wsUrl is required"))
	}
	if oc.ReconnectAttempts < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("reconnectAttempts"), oc.ReconnectAttempts, "must not be negative"))
	}
	if oc.SigningKey == nil || !oc.SigningKey.IsSet() {
		allErrors = append(allErrors, field.Required(field.NewPath("signingKey"), "a signing key is required"))
	}
	if u, err := url.Parse(oc.AggregatorUrl); err != nil || u.Scheme == "" || u.Host == "" {
		allErrors = append(allErrors, field.Invalid(field.NewPath("aggregatorUrl"), oc.AggregatorUrl, "must be an absolute url"))
	}
	if oc.QueueCapacity < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("queueCapacity"), oc.QueueCapacity, "must be at least 1"))
	}
	if b, err := hexutil.Decode(oc.Registration.Salt); err != nil || len(b) != 32 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("registration", "salt"), oc.Registration.Salt, "must be 32 hex encoded bytes"))
	}
	for i, id := range oc.Registration.ClientAppIds {
		if b, err := hexutil.Decode(id); err != nil || len(b) != 32 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("registration", "clientAppIds").Index(i), id, "must be 32 hex encoded bytes"))
		}
	}
	switch oc.Executor.Type {
	case ExecutorType_Docker:
		if oc.Executor.DockerSockPath == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("executor", "dockerSockPath"), "docker socket path is required"))
		}
	case ExecutorType_Wasm:
		if oc.Executor.WasmModuleDir == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("executor", "wasmModuleDir"), "wasm module directory is required"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("executor", "type"), oc.Executor.Type,
			[]string{ExecutorType_Docker, ExecutorType_Wasm}))
	}
	if oc.Executor.TimeoutSeconds < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("executor", "timeoutSeconds"), oc.Executor.TimeoutSeconds, "must not be negative"))
	}
	if oc.Submission.MaxAttempts < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("submission", "maxAttempts"), oc.Submission.MaxAttempts, "must be at least 1"))
	}
	if oc.AppCache.Size < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("appCache", "size"), oc.AppCache.Size, "must be at least 1"))
	}
	return allErrors.ToAggregate()
}

func NewOperatorConfigFromJsonBytes(data []byte) (*OperatorConfig, error) {
	var c OperatorConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal OperatorConfig from JSON")
	}
	return &c, nil
}

func NewOperatorConfigFromYamlBytes(data []byte) (*OperatorConfig, error) {
	var c OperatorConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal OperatorConfig from YAML")
	}
	return &c, nil
}

// NewOperatorConfig reads the flag/env driven settings.
func NewOperatorConfig() *OperatorConfig {
	c := &OperatorConfig{
		Debug:         viper.GetBool(config.NormalizeFlagName(Debug)),
		AggregatorUrl: viper.GetString(config.NormalizeFlagName(AggregatorUrl)),
		Executor: ExecutorConfig{
			Type:           viper.GetString(config.NormalizeFlagName(ExecutorType)),
			DockerSockPath: viper.GetString(config.NormalizeFlagName(DockerSockPath)),
		},
	}
	if pk := viper.GetString(config.NormalizeFlagName(PrivateKey)); pk != "" {
		c.SigningKey = &config.SigningKey{PrivateKey: pk}
	}
	return c
}
