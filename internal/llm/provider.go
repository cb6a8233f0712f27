package llm

import (
	"fmt"
	"os"

	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
)

// Provide builds the configured model provider. The anthropic provider
// reads its key from config or ANTHROPIC_API_KEY; scripted needs no
// credentials and is wired with rules by the caller.
func Provide(cfg *config.Config, log *logger.Logger) (Provider, error) {
	switch cfg.Model.Provider {
	case "scripted":
		return NewScripted(), nil
	case "anthropic":
		apiKey := cfg.Model.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return NewAnthropic(apiKey, cfg.Model.DefaultModel, log)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}
