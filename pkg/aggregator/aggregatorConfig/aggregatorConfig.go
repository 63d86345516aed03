package aggregatorConfig

import (
	"encoding/json"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gizatechxyz/avsthon/pkg/config"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"
)

const (
	EnvPrefix = "AGGREGATOR_"

	Debug      = "debug"
	ConfigFile = "config"
	Simulation = "simulation"
	Port       = "port"
	FromBlock  = "from-block"
	StoreType  = "store-type"

	StorageType_Memory = "memory"
	StorageType_Badger = "badger"
	StorageType_Redis  = "redis"

	ConsensusPolicy_Full   = "full"
	ConsensusPolicy_Quorum = "quorum"

	RefreshPolicy_Static   = "static"
	RefreshPolicy_Interval = "interval"
)

type Chain struct {
	ChainId config.ChainId `json:"chainId" yaml:"chainId"`
	RpcUrl  string         `json:"rpcUrl" yaml:"rpcUrl"`
	WsUrl   string         `json:"wsUrl" yaml:"wsUrl"`
}

func (c *Chain) Validate() field.ErrorList {
	var allErrors field.ErrorList
	if c.ChainId == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("chain", "chainId"), "chainId is required"))
	} else if !slices.Contains(config.SupportedChainIds, c.ChainId) {
		allErrors = append(allErrors, field.Invalid(field.NewPath("chain", "chainId"), c.ChainId, "unsupported chainId"))
	}
	if c.RpcUrl == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("chain", "rpcUrl"), "rpcUrl is required"))
	}
	if c.WsUrl == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("chain", "wsUrl"), "wsUrl is required"))
	}
	return allErrors
}

type ServerConfig struct {
	Port int `json:"port" yaml:"port"`
	// RateLimitRps bounds submissions per client IP. Zero disables the limiter.
	RateLimitRps   float64 `json:"rateLimitRps" yaml:"rateLimitRps"`
	RateLimitBurst int     `json:"rateLimitBurst" yaml:"rateLimitBurst"`
	// TrustProxyHeaders keys the limiter on X-Real-IP/X-Forwarded-For. Only
	// enable it behind a proxy that overwrites them.
	TrustProxyHeaders bool `json:"trustProxyHeaders" yaml:"trustProxyHeaders"`
	// ShutdownTimeoutSeconds bounds how long in-flight requests may finish.
	ShutdownTimeoutSeconds int `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

type ListenerConfig struct {
	FromBlock         uint64 `json:"fromBlock" yaml:"fromBlock"`
	ReconnectAttempts int    `json:"reconnectAttempts" yaml:"reconnectAttempts"`
}

type SubmissionRetryConfig struct {
	MaxRetries        int     `json:"maxRetries" yaml:"maxRetries"`
	InitialDelayMs    int     `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs        int     `json:"maxDelayMs" yaml:"maxDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
}

type PipelineConfig struct {
	ChannelCapacity int                   `json:"channelCapacity" yaml:"channelCapacity"`
	Retry           SubmissionRetryConfig `json:"retry" yaml:"retry"`
}

type ConsensusConfig struct {
	// Policy is "full" (every claim must agree) or "quorum".
	Policy              string `json:"policy" yaml:"policy"`
	QuorumThresholdBips int    `json:"quorumThresholdBips" yaml:"quorumThresholdBips"`
}

type MembershipConfig struct {
	RefreshPolicy          string `json:"refreshPolicy" yaml:"refreshPolicy"`
	RefreshIntervalSeconds int    `json:"refreshIntervalSeconds" yaml:"refreshIntervalSeconds"`
	// StaticOperators replaces the on-chain operator set when non-empty.
	StaticOperators []string `json:"staticOperators" yaml:"staticOperators"`
}

type AccumulatorConfig struct {
	// FinalizedTtlSeconds of zero removes an entry as soon as its verdict is finalized.
	FinalizedTtlSeconds int `json:"finalizedTtlSeconds" yaml:"finalizedTtlSeconds"`
	// PendingTtlSeconds of zero keeps incomplete entries forever.
	PendingTtlSeconds    int `json:"pendingTtlSeconds" yaml:"pendingTtlSeconds"`
	SweepIntervalSeconds int `json:"sweepIntervalSeconds" yaml:"sweepIntervalSeconds"`
}

// StorageConfig contains configuration for the storage layer
type StorageConfig struct {
	Type         string        `json:"type" yaml:"type"` // "memory", "badger" or "redis"
	BadgerConfig *BadgerConfig `json:"badger,omitempty" yaml:"badger,omitempty"`
	RedisConfig  *RedisConfig  `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// BadgerConfig contains configuration for BadgerDB storage
type BadgerConfig struct {
	// Directory where BadgerDB will store its data
	Dir string `json:"dir" yaml:"dir"`
	// InMemory runs BadgerDB in memory-only mode (for testing)
	InMemory          bool  `json:"inMemory,omitempty" yaml:"inMemory,omitempty"`
	ValueLogFileSize  int64 `json:"valueLogFileSize,omitempty" yaml:"valueLogFileSize,omitempty"`
	NumVersionsToKeep int   `json:"numVersionsToKeep,omitempty" yaml:"numVersionsToKeep,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	// KeyPrefix namespaces every key so several aggregators can share one server.
	KeyPrefix string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`
}

func (sc *StorageConfig) Validate() field.ErrorList {
	var allErrors field.ErrorList

	if sc.Type == "" {
		sc.Type = StorageType_Memory
	}

	switch sc.Type {
	case StorageType_Memory:
	case StorageType_Badger:
		if sc.BadgerConfig == nil {
			allErrors = append(allErrors, field.Required(field.NewPath("storage", "badger"), "badger configuration is required when type is 'badger'"))
		} else if sc.BadgerConfig.Dir == "" && !sc.BadgerConfig.InMemory {
			allErrors = append(allErrors, field.Required(field.NewPath("storage", "badger", "dir"), "badger directory is required"))
		}
	case StorageType_Redis:
		if sc.RedisConfig == nil || sc.RedisConfig.Addr == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("storage", "redis", "addr"), "redis address is required when type is 'redis'"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("storage", "type"), sc.Type,
			[]string{StorageType_Memory, StorageType_Badger, StorageType_Redis}))
	}
	return allErrors
}

type SimulationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// EventsPort serves POST /events for injecting task announcements. Zero
	// disables the endpoint.
	EventsPort int `json:"eventsPort" yaml:"eventsPort"`
}

type AggregatorConfig struct {
	Debug       bool                     `json:"debug" yaml:"debug"`
	Chain       Chain                    `json:"chain" yaml:"chain"`
	Contracts   config.ContractAddresses `json:"contracts" yaml:"contracts"`
	SigningKey  *config.SigningKey       `json:"signingKey" yaml:"signingKey"`
	Server      ServerConfig             `json:"server" yaml:"server"`
	Listener    ListenerConfig           `json:"listener" yaml:"listener"`
	Pipeline    PipelineConfig           `json:"pipeline" yaml:"pipeline"`
	Consensus   ConsensusConfig          `json:"consensus" yaml:"consensus"`
	Membership  MembershipConfig         `json:"membership" yaml:"membership"`
	Accumulator AccumulatorConfig        `json:"accumulator" yaml:"accumulator"`
	Storage     *StorageConfig           `json:"storage,omitempty" yaml:"storage,omitempty"`
	Simulation  SimulationConfig         `json:"simulation" yaml:"simulation"`
}

// ApplyDefaults fills every unset field with the value the deployed system uses.
func (ac *AggregatorConfig) ApplyDefaults() {
	if ac.Chain.ChainId == 0 {
		ac.Chain.ChainId = config.ChainId_EthereumHolesky
	}
	if ac.Chain.RpcUrl == "" {
		ac.Chain.RpcUrl = config.DefaultRpcUrl
	}
	if ac.Chain.WsUrl == "" {
		ac.Chain.WsUrl = config.DefaultWsUrl
	}
	ac.Contracts.ApplyDefaults()

	if ac.Server.Port == 0 {
		ac.Server.Port = config.DefaultAggregatorPort
	}
	if ac.Server.RateLimitRps > 0 && ac.Server.RateLimitBurst == 0 {
		ac.Server.RateLimitBurst = int(ac.Server.RateLimitRps)
		if ac.Server.RateLimitBurst < 1 {
			ac.Server.RateLimitBurst = 1
		}
	}
	if ac.Server.ShutdownTimeoutSeconds == 0 {
		ac.Server.ShutdownTimeoutSeconds = 5
	}

	if ac.Listener.FromBlock == 0 {
		ac.Listener.FromBlock = config.DefaultStartBlock
	}
	if ac.Listener.ReconnectAttempts == 0 {
		ac.Listener.ReconnectAttempts = 3
	}

	if ac.Pipeline.ChannelCapacity == 0 {
		ac.Pipeline.ChannelCapacity = config.DefaultQueueCapacity
	}
	if ac.Pipeline.Retry.MaxRetries == 0 {
		ac.Pipeline.Retry.MaxRetries = 5
	}
	if ac.Pipeline.Retry.InitialDelayMs == 0 {
		ac.Pipeline.Retry.InitialDelayMs = 1000
	}
	if ac.Pipeline.Retry.MaxDelayMs == 0 {
		ac.Pipeline.Retry.MaxDelayMs = 30000
	}
	if ac.Pipeline.Retry.BackoffMultiplier == 0 {
		ac.Pipeline.Retry.BackoffMultiplier = 2
	}

	if ac.Consensus.Policy == "" {
		ac.Consensus.Policy = ConsensusPolicy_Full
	}
	if ac.Consensus.Policy == ConsensusPolicy_Quorum && ac.Consensus.QuorumThresholdBips == 0 {
		ac.Consensus.QuorumThresholdBips = 6667
	}

	if ac.Membership.RefreshPolicy == "" {
		ac.Membership.RefreshPolicy = RefreshPolicy_Static
	}
	if ac.Membership.RefreshPolicy == RefreshPolicy_Interval && ac.Membership.RefreshIntervalSeconds == 0 {
		ac.Membership.RefreshIntervalSeconds = 60
	}

	if ac.Accumulator.SweepIntervalSeconds == 0 {
		ac.Accumulator.SweepIntervalSeconds = 30
	}

	if ac.Storage == nil {
		ac.Storage = &StorageConfig{Type: StorageType_Memory}
	}
}

func (ac *AggregatorConfig) Validate() error {
	var allErrors field.ErrorList

	allErrors = append(allErrors, ac.Chain.Validate()...)

	if !ac.Simulation.Enabled && (ac.SigningKey == nil || !ac.SigningKey.IsSet()) {
		allErrors = append(allErrors, field.Required(field.NewPath("signingKey"), "a signing key is required outside simulation mode"))
	}
	if ac.Simulation.Enabled && len(ac.Membership.StaticOperators) == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("membership", "staticOperators"), "simulation mode requires a static operator list"))
	}
	for i, op := range ac.Membership.StaticOperators {
		if !common.IsHexAddress(op) {
			allErrors = append(allErrors, field.Invalid(field.NewPath("membership", "staticOperators").Index(i), op, "not a hex address"))
		}
	}

	if ac.Server.Port <= 0 || ac.Server.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("server", "port"), ac.Server.Port, "port must be between 1 and 65535"))
	}
	if ac.Server.RateLimitRps < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("server", "rateLimitRps"), ac.Server.RateLimitRps, "must not be negative"))
	}
	if ac.Pipeline.ChannelCapacity < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("pipeline", "channelCapacity"), ac.Pipeline.ChannelCapacity, "must be at least 1"))
	}
	if ac.Pipeline.Retry.MaxRetries < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("pipeline", "retry", "maxRetries"), ac.Pipeline.Retry.MaxRetries, "must not be negative"))
	}

	switch ac.Consensus.Policy {
	case ConsensusPolicy_Full:
	case ConsensusPolicy_Quorum:
		if ac.Consensus.QuorumThresholdBips <= 0 || ac.Consensus.QuorumThresholdBips > 10000 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("consensus", "quorumThresholdBips"), ac.Consensus.QuorumThresholdBips, "must be in (0, 10000]"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("consensus", "policy"), ac.Consensus.Policy,
			[]string{ConsensusPolicy_Full, ConsensusPolicy_Quorum}))
	}

	switch ac.Membership.RefreshPolicy {
	case RefreshPolicy_Static:
	case RefreshPolicy_Interval:
		if ac.Membership.RefreshIntervalSeconds <= 0 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("membership", "refreshIntervalSeconds"), ac.Membership.RefreshIntervalSeconds, "must be positive"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("membership", "refreshPolicy"), ac.Membership.RefreshPolicy,
			[]string{RefreshPolicy_Static, RefreshPolicy_Interval}))
	}

	if ac.Accumulator.FinalizedTtlSeconds < 0 || ac.Accumulator.PendingTtlSeconds < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("accumulator"), ac.Accumulator, "ttl values must not be negative"))
	}

	if ac.Storage != nil {
		allErrors = append(allErrors, ac.Storage.Validate()...)
	}

	return allErrors.ToAggregate()
}

func NewAggregatorConfigFromJsonBytes(data []byte) (*AggregatorConfig, error) {
	var c AggregatorConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal AggregatorConfig from JSON")
	}
	return &c, nil
}

func NewAggregatorConfigFromYamlBytes(data []byte) (*AggregatorConfig, error) {
	var c AggregatorConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal AggregatorConfig from YAML")
	}
	return &c, nil
}

// NewAggregatorConfig reads the flag/env driven settings. A config file, when
// given, is layered underneath by the caller.
func NewAggregatorConfig() *AggregatorConfig {
	return &AggregatorConfig{
		Debug: viper.GetBool(config.NormalizeFlagName(Debug)),
		Server: ServerConfig{
			Port: viper.GetInt(config.NormalizeFlagName(Port)),
		},
		Listener: ListenerConfig{
			FromBlock: viper.GetUint64(config.NormalizeFlagName(FromBlock)),
		},
		Storage: &StorageConfig{
			Type: viper.GetString(config.NormalizeFlagName(StoreType)),
		},
		Simulation: SimulationConfig{
			Enabled: viper.GetBool(config.NormalizeFlagName(Simulation)),
		},
	}
}
