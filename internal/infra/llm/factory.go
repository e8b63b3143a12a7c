// Package llm adapts chat models and scripts to the decision provider port.
package llm

import (
	"fmt"

	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/shared/config"
	"missionloop/internal/shared/logging"
)

// NewProvider builds the decision provider selected by cfg.Provider.
func NewProvider(cfg config.RuntimeConfig, logger logging.Logger) (ports.DecisionProvider, error) {
	logger = logging.OrNop(logger)
	switch cfg.Provider {
	case config.ProviderScripted:
		if cfg.ScriptPath == "" {
			return nil, fmt.Errorf("scripted provider requires script_path")
		}
		provider, err := LoadScript(cfg.ScriptPath)
		if err != nil {
			return nil, err
		}
		logger.Info("Using scripted provider (%s, %d steps)", cfg.ScriptPath, provider.Len())
		return provider, nil
	case config.ProviderOpenAI, "":
		if cfg.LLMAPIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key (MISSION_LLM_API_KEY or OPENAI_API_KEY)")
		}
		completer := NewOpenAICompleter(OpenAIConfig{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			Timeout: cfg.ProviderTimeout,
		}, logger)
		logger.Info("Using OpenAI-compatible provider (model=%s)", cfg.LLMModel)
		return NewChatProvider(completer, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
