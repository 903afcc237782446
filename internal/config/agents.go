package config

import (
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/agent"
	"github.com/nidhogg/fairloop/internal/provider"
)

// Router registers every configured provider and binds LLM agents to theirs.
// The provider marked default, or else the first one, serves unbound agents.
func (c *Config) Router(logger *zap.Logger) (*provider.Router, error) {
	router := provider.NewRouter(logger)
	for _, pc := range c.Providers {
		p, err := provider.New(pc.Provider(), logger)
		if err != nil {
			return nil, err
		}
		router.Register(p)
		if pc.Default {
			router.SetDefault(pc.ID)
		}
	}
	for _, a := range c.Agents {
		if a.Kind != AgentLLM {
			continue
		}
		if a.Provider != "" {
			router.Bind(a.ID, a.Provider)
		}
		if len(a.Fallbacks) > 0 {
			router.SetFallbacks(a.ID, a.Fallbacks)
		}
	}
	return router, nil
}

// Registry builds the configured agents. LLM agents chat through router.
func (c *Config) Registry(router agent.ChatRouter, logger *zap.Logger) (*agent.Registry, error) {
	reg := agent.NewRegistry(logger)
	for _, ac := range c.Agents {
		var a agent.Agent
		switch ac.Kind {
		case AgentRule:
			a = agent.NewRuleBased(ac.ID, ac.Rules, ac.Fallback)
		case AgentHuman:
			a = agent.NewHuman(ac.ID, logger)
		default:
			persona := ac.Persona
			if profile := agent.LoadProfile(ac.ProfileDir, ac.ID); profile != "" {
				if persona.SystemPrompt != "" {
					persona.SystemPrompt += "\n\n"
				}
				persona.SystemPrompt += profile
			}
			a = agent.NewLLM(persona, ac.Model, router, logger)
		}
		if err := reg.Register(a, ac.Priority); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
