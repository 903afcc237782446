package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/fairloop/internal/bias"
	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/mitigation"
	"github.com/nidhogg/fairloop/internal/orchestrator"
	"github.com/nidhogg/fairloop/internal/session"
)

// Duration is a time.Duration written as "30s" in config files. Bare numbers
// are read as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration must be a string or a number of seconds: %s", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// RetryConfig bounds retries of a transient dependency failure.
type RetryConfig struct {
	Attempts        int      `json:"attempts" yaml:"attempts"`
	InitialInterval Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval"`
}

// Policy converts r to a fault.Policy.
func (r RetryConfig) Policy() fault.Policy {
	return fault.Policy{
		Attempts:        r.Attempts,
		InitialInterval: r.InitialInterval.Std(),
		MaxInterval:     r.MaxInterval.Std(),
	}
}

// ControllerConfig parameterizes scoring, mitigation and the session loop.
// Pointer fields distinguish an explicit zero from an unset value.
type ControllerConfig struct {
	Threshold          float64            `json:"threshold" yaml:"threshold"`
	Epsilon            *float64           `json:"epsilon" yaml:"epsilon"`
	RetryBudget        *int               `json:"retry_budget" yaml:"retry_budget"`
	Rounds             int                `json:"rounds" yaml:"rounds"`
	AgentTimeout       Duration           `json:"agent_timeout" yaml:"agent_timeout"`
	SessionTimeout     *Duration          `json:"session_timeout" yaml:"session_timeout"`
	TurnOrder          session.TurnOrder  `json:"turn_order" yaml:"turn_order"`
	Concurrency        int                `json:"concurrency" yaml:"concurrency"`
	EvaluationAttempts int                `json:"evaluation_attempts" yaml:"evaluation_attempts"`
	DependencyRetry    RetryConfig        `json:"dependency_retry" yaml:"dependency_retry"`
	Weights            map[string]float64 `json:"weights" yaml:"weights"`
	SignalMix          *bias.SignalMix    `json:"signal_mix" yaml:"signal_mix"`
	RelationDimensions map[string]string  `json:"relation_dimensions" yaml:"relation_dimensions"`
	RelationTypes      []string           `json:"relation_types" yaml:"relation_types"`
	GraphDepth         int                `json:"graph_depth" yaml:"graph_depth"`
	ExemplarLimit      int                `json:"exemplar_limit" yaml:"exemplar_limit"`
	Strategies         map[string]string  `json:"strategies" yaml:"strategies"`
	FallbackStrategy   string             `json:"fallback_strategy" yaml:"fallback_strategy"`
	VotePenalty        *float64           `json:"vote_penalty" yaml:"vote_penalty"`
	MinVoteWeight      *float64           `json:"min_vote_weight" yaml:"min_vote_weight"`
}

func (c *ControllerConfig) applyDefaults() {
	b := bias.DefaultConfig()
	o := orchestrator.DefaultConfig()
	if c.Threshold == 0 {
		c.Threshold = b.Threshold
	}
	if c.Epsilon == nil {
		c.Epsilon = &b.Epsilon
	}
	if c.RetryBudget == nil {
		c.RetryBudget = &o.Mitigation.RetryBudget
	}
	if c.Rounds == 0 {
		c.Rounds = o.Rounds
	}
	if c.AgentTimeout == 0 {
		c.AgentTimeout = Duration(o.AgentTimeout)
	}
	if c.SessionTimeout == nil {
		st := Duration(o.SessionTimeout)
		c.SessionTimeout = &st
	}
	if c.TurnOrder == "" {
		c.TurnOrder = o.TurnOrder
	}
	if c.EvaluationAttempts == 0 {
		c.EvaluationAttempts = o.EvaluationAttempts
	}
	if c.DependencyRetry.Attempts == 0 {
		c.DependencyRetry.Attempts = fault.DefaultPolicy().Attempts
	}
	if c.DependencyRetry.InitialInterval == 0 {
		c.DependencyRetry.InitialInterval = Duration(o.EvaluationRetry.InitialInterval)
	}
	if c.DependencyRetry.MaxInterval == 0 {
		c.DependencyRetry.MaxInterval = Duration(o.EvaluationRetry.MaxInterval)
	}
	if c.Weights == nil {
		c.Weights = b.Weights
	}
	if c.SignalMix == nil {
		c.SignalMix = &b.SignalMix
	}
	if c.RelationDimensions == nil {
		c.RelationDimensions = b.RelationDimensions
	}
	if c.GraphDepth == 0 {
		c.GraphDepth = b.GraphDepth
	}
	if c.ExemplarLimit == 0 {
		c.ExemplarLimit = o.ExemplarLimit
	}
	if c.VotePenalty == nil {
		c.VotePenalty = &o.VotePenalty
	}
	if c.MinVoteWeight == nil {
		c.MinVoteWeight = &o.MinVoteWeight
	}
}

// Bias returns the evaluator configuration.
func (c ControllerConfig) Bias() bias.Config {
	cfg := bias.Config{
		Threshold:          c.Threshold,
		Weights:            c.Weights,
		RelationDimensions: c.RelationDimensions,
		GraphDepth:         c.GraphDepth,
	}
	if c.Epsilon != nil {
		cfg.Epsilon = *c.Epsilon
	}
	if c.SignalMix != nil {
		cfg.SignalMix = *c.SignalMix
	}
	return cfg
}

// Orchestrator returns the session loop configuration.
func (c ControllerConfig) Orchestrator() orchestrator.Config {
	cfg := orchestrator.Config{
		Rounds:             c.Rounds,
		AgentTimeout:       c.AgentTimeout.Std(),
		TurnOrder:          c.TurnOrder,
		Concurrency:        c.Concurrency,
		EvaluationAttempts: c.EvaluationAttempts,
		EvaluationRetry:    c.DependencyRetry.Policy(),
		GraphDepth:         c.GraphDepth,
		RelationTypes:      c.RelationTypes,
		ExemplarLimit:      c.ExemplarLimit,
		Mitigation: mitigation.Config{
			Strategies:       c.Strategies,
			FallbackStrategy: c.FallbackStrategy,
		},
	}
	if c.RetryBudget != nil {
		cfg.Mitigation.RetryBudget = *c.RetryBudget
	}
	if c.SessionTimeout != nil {
		cfg.SessionTimeout = c.SessionTimeout.Std()
	}
	if c.VotePenalty != nil {
		cfg.VotePenalty = *c.VotePenalty
	}
	if c.MinVoteWeight != nil {
		cfg.MinVoteWeight = *c.MinVoteWeight
	}
	return cfg
}

// Validate checks the controller section.
func (c ControllerConfig) Validate() error {
	if err := c.Bias().Validate(); err != nil {
		return err
	}
	if c.RetryBudget != nil && *c.RetryBudget < 0 {
		return fault.Invalid("retry budget %d is negative", *c.RetryBudget)
	}
	if c.Rounds < 0 || c.Concurrency < 0 || c.EvaluationAttempts < 0 || c.ExemplarLimit < 0 {
		return fault.Invalid("rounds, concurrency, evaluation attempts and exemplar limit must not be negative")
	}
	if c.AgentTimeout < 0 || (c.SessionTimeout != nil && *c.SessionTimeout < 0) {
		return fault.Invalid("timeouts must not be negative")
	}
	switch c.TurnOrder {
	case session.TurnRoundRobin, session.TurnPriority:
	default:
		return fault.Invalid("unknown turn order %q", c.TurnOrder)
	}
	if c.VotePenalty != nil && (*c.VotePenalty < 0 || *c.VotePenalty > 1) {
		return fault.Invalid("vote penalty %v outside [0, 1]", *c.VotePenalty)
	}
	if c.MinVoteWeight != nil && (*c.MinVoteWeight < 0 || *c.MinVoteWeight > 1) {
		return fault.Invalid("min vote weight %v outside [0, 1]", *c.MinVoteWeight)
	}
	if _, err := mitigation.NewStrategies(c.Strategies, c.FallbackStrategy); err != nil {
		return err
	}
	return nil
}
