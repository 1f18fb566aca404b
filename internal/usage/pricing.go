package usage

import (
	"strings"

	"github.com/kiroproxy/kiroproxy/internal/registry"
)

// ModelPricing is the direct Anthropic API list price in USD per
// million tokens. The proxy itself rides a subscription, so these
// rates only feed the cost-avoided estimate in the statistics.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var directPricing = map[string]ModelPricing{
	registry.ModelSonnet4:  {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	registry.ModelSonnet45: {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	registry.ModelHaiku45:  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	registry.ModelOpus45:   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
}

// PricingFor resolves list pricing for a model: exact id first, then
// family substring. Unknown models, including "auto", fall back to the
// sonnet rate since that is what auto resolves to upstream.
func PricingFor(model string) ModelPricing {
	m := strings.ToLower(strings.TrimSpace(model))
	if p, ok := directPricing[m]; ok {
		return p
	}
	switch {
	case strings.Contains(m, "opus"):
		return directPricing[registry.ModelOpus45]
	case strings.Contains(m, "haiku"):
		return directPricing[registry.ModelHaiku45]
	default:
		return directPricing[registry.ModelSonnet4]
	}
}

// CostAvoided estimates what the given token usage would have cost on
// the direct API.
func CostAvoided(model string, inputTokens, outputTokens int64) float64 {
	p := PricingFor(model)
	return float64(inputTokens)*p.InputPerMillion/1_000_000 +
		float64(outputTokens)*p.OutputPerMillion/1_000_000
}
