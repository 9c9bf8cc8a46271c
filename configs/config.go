// Package configs loads the engine's YAML configuration and adapts it into
// each collaborator's own Config struct, the same LoadConfig-then-ToXConfig
// shape the teacher used for its single strategy config.
package configs

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	triarb "github.com/hexbridge-labs/triarb"
	"github.com/hexbridge-labs/triarb/pkg/evaluator"
	"github.com/hexbridge-labs/triarb/pkg/executor"
	"github.com/hexbridge-labs/triarb/pkg/pathindex"
)

// Config represents the entire configuration structure from config.yml.
type Config struct {
	RPC            string                            `yaml:"rpc"`
	ContractClient map[string]ContractClientYAMLData `yaml:"contract_client"`
	Pools          []PoolYAMLData                     `yaml:"pools"`
	Paths          []PathYAMLData                     `yaml:"paths"`
	Evaluator      EvaluatorYAMLData                  `yaml:"evaluator"`
	Executor       ExecutorYAMLData                   `yaml:"executor"`
	Engine         EngineYAMLData                     `yaml:"engine"`
	Quoter         QuoterYAMLData                     `yaml:"quoter"`
	Settlement     string                             `yaml:"settlement_contract"`
	BusCapacity    int                                `yaml:"opportunity_bus_capacity"`
	RPCConcurrency int                                `yaml:"rpc_pool_concurrency"`
	FlashProvider  string                              `yaml:"flash_loan_provider"`
	SubmissionRoute string                             `yaml:"submission_route"`
	DBDSN          string                              `yaml:"db_dsn"`
}

// ContractClientYAMLData represents a single contract configuration from YAML.
type ContractClientYAMLData struct {
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
}

// PoolYAMLData describes one pool in the static catalog.
type PoolYAMLData struct {
	Address     string `yaml:"address"`
	Token0      string `yaml:"token0"`
	Token1      string `yaml:"token1"`
	FeePips     uint32 `yaml:"fee_pips"`
	TickSpacing int32  `yaml:"tick_spacing"`
}

// PathYAMLData describes one triangular cycle in the static catalog.
type PathYAMLData struct {
	ID          uint64 `yaml:"id"`
	TriggerPool string `yaml:"trigger_pool"`
	TokenA      string `yaml:"token_a"`
	TokenB      string `yaml:"token_b"`
	TokenC      string `yaml:"token_c"`
	Pool1       string `yaml:"pool1"`
	Pool2       string `yaml:"pool2"`
	Pool3       string `yaml:"pool3"`
	Priority    int    `yaml:"priority"`
	Enabled     bool   `yaml:"enabled"`
}

// EvaluatorYAMLData configures the profit evaluator's gate and tolerances.
type EvaluatorYAMLData struct {
	MinNotionalUSD     float64 `yaml:"min_notional_usd"`
	MaxCombinedFeeBps  int     `yaml:"max_combined_fee_bps"`
	MinProfitThreshold string  `yaml:"min_profit_threshold"` // token_a raw units, as a decimal string
	QuoterToleranceBps int     `yaml:"quoter_tolerance_bps"`
	XMin               float64 `yaml:"x_min"`
	XMax               float64 `yaml:"x_max"`
}

// ExecutorYAMLData configures the attempt state machine's timing and gas knobs.
type ExecutorYAMLData struct {
	MaxStalenessBlocks uint64  `yaml:"max_staleness_blocks"`
	ReorgSafetyBlocks  uint64  `yaml:"reorg_safety_blocks"`
	ReceiptPollBlocks  uint64  `yaml:"receipt_poll_blocks"`
	GasLimitHeadroom   float64 `yaml:"gas_limit_headroom"`
	GasPriceMultiplier float64 `yaml:"gas_price_multiplier"`
}

// EngineYAMLData configures the top-level run loop and circuit breaker.
type EngineYAMLData struct {
	ReconcileIntervalSec    int `yaml:"reconcile_interval_sec"`
	CircuitBreakerWindowMin int `yaml:"circuit_breaker_window_min"`
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
}

// QuoterYAMLData configures the on-chain quoter's path-encoding reference
// token and the gas estimator's fixed gas-unit budget.
type QuoterYAMLData struct {
	ContractName  string `yaml:"contract_name"`
	NativeWrapped string `yaml:"native_wrapped"`
	NativeFeePips uint32 `yaml:"native_fee_pips"`
	GasUnits      uint64 `yaml:"gas_units"`
}

// LoadConfig reads and parses config.yml into a Config struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &config, nil
}

// ToPoolDescriptors converts the pool catalog into the engine's runtime shape.
func (c *Config) ToPoolDescriptors() []triarb.PoolDescriptor {
	pools := make([]triarb.PoolDescriptor, 0, len(c.Pools))
	for _, p := range c.Pools {
		pools = append(pools, triarb.PoolDescriptor{
			Address:     common.HexToAddress(p.Address),
			Token0:      common.HexToAddress(p.Token0),
			Token1:      common.HexToAddress(p.Token1),
			FeePips:     p.FeePips,
			TickSpacing: p.TickSpacing,
		})
	}
	return pools
}

// ToPaths converts the path catalog into pathindex's runtime shape.
func (c *Config) ToPaths() []pathindex.Path {
	paths := make([]pathindex.Path, 0, len(c.Paths))
	for _, p := range c.Paths {
		paths = append(paths, pathindex.Path{
			ID:          p.ID,
			TriggerPool: common.HexToAddress(p.TriggerPool),
			TokenA:      common.HexToAddress(p.TokenA),
			TokenB:      common.HexToAddress(p.TokenB),
			TokenC:      common.HexToAddress(p.TokenC),
			Pool1:       common.HexToAddress(p.Pool1),
			Pool2:       common.HexToAddress(p.Pool2),
			Pool3:       common.HexToAddress(p.Pool3),
			Priority:    p.Priority,
			Enabled:     p.Enabled,
		})
	}
	return paths
}

// ToEvaluatorConfig converts the evaluator YAML block into evaluator.Config.
func (c *Config) ToEvaluatorConfig() (evaluator.Config, error) {
	threshold := big.NewInt(0)
	if c.Evaluator.MinProfitThreshold != "" {
		var ok bool
		threshold, ok = new(big.Int).SetString(c.Evaluator.MinProfitThreshold, 10)
		if !ok {
			return evaluator.Config{}, fmt.Errorf("invalid min_profit_threshold %q", c.Evaluator.MinProfitThreshold)
		}
	}

	return evaluator.Config{
		MinNotionalUSD:     c.Evaluator.MinNotionalUSD,
		MaxCombinedFeeBps:  c.Evaluator.MaxCombinedFeeBps,
		MinProfitThreshold: threshold,
		QuoterToleranceBps: c.Evaluator.QuoterToleranceBps,
		XMin:               c.Evaluator.XMin,
		XMax:               c.Evaluator.XMax,
	}, nil
}

// ToExecutorConfig converts the executor YAML block into executor.Config.
func (c *Config) ToExecutorConfig() executor.Config {
	return executor.Config{
		MaxStalenessBlocks: c.Executor.MaxStalenessBlocks,
		ReorgSafetyBlocks:  c.Executor.ReorgSafetyBlocks,
		ReceiptPollBlocks:  c.Executor.ReceiptPollBlocks,
		GasLimitHeadroom:   c.Executor.GasLimitHeadroom,
		GasPriceMultiplier: c.Executor.GasPriceMultiplier,
	}
}

// ToEngineConfig converts the engine YAML block into triarb.EngineConfig.
func (c *Config) ToEngineConfig() (triarb.EngineConfig, error) {
	route, err := c.ToRoute()
	if err != nil {
		return triarb.EngineConfig{}, err
	}

	return triarb.EngineConfig{
		ReconcileInterval: time.Duration(c.Engine.ReconcileIntervalSec) * time.Second,
		CircuitBreaker: triarb.CircuitBreaker{
			ErrorWindow:    time.Duration(c.Engine.CircuitBreakerWindowMin) * time.Minute,
			ErrorThreshold: c.Engine.CircuitBreakerThreshold,
		},
		Route: route,
	}, nil
}

// ToRoute resolves the configured submission route name ("normal" is an
// alias of "public", "flashbots" of "private").
func (c *Config) ToRoute() (executor.Route, error) {
	switch c.SubmissionRoute {
	case "public", "normal":
		return executor.RoutePublic, nil
	case "private", "flashbots":
		return executor.RoutePrivate, nil
	case "both":
		return executor.RouteBoth, nil
	default:
		return 0, fmt.Errorf("unknown submission_route %q", c.SubmissionRoute)
	}
}
