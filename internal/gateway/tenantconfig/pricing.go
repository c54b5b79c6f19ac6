package tenantconfig

// Model tiers: named points on the cost/capability spectrum that
// logical tasks are mapped to.
const (
	ModelMain     = "gpt-5.1"
	ModelFast     = "gpt-5-mini"
	ModelNano     = "gpt-5-nano"
	ModelDeep     = "gpt-5.2"
	ModelPremium  = "gpt-5.2-pro"
	ModelFallback = "gpt-4o-mini"
)

// Task is a logical AI task the gateway maps to a model tier.
type Task string

const (
	TaskChat         Task = "chat"
	TaskCompose      Task = "compose"
	TaskContent      Task = "content"
	TaskEnhance      Task = "enhance"
	TaskSMS          Task = "sms"
	TaskSuggest      Task = "suggest"
	TaskScore        Task = "score"
	TaskDeepAnalysis Task = "deep_analysis"
	TaskPremium      Task = "premium"
)

// ModelForTask maps a logical task to a concrete model. A tenant
// override applies only to user-facing tiers; background and premium
// tiers always use platform defaults, bounding cost exposure.
func ModelForTask(task Task, tenantOverride string) string {
	switch task {
	case TaskChat, TaskCompose, TaskContent:
		if tenantOverride != "" {
			return tenantOverride
		}
		return ModelMain
	case TaskEnhance, TaskSMS, TaskSuggest:
		return ModelFast
	case TaskScore:
		return ModelNano
	case TaskDeepAnalysis:
		return ModelDeep
	case TaskPremium:
		return ModelPremium
	default:
		return ModelMain
	}
}

// FallbackChain returns the ordered downgrade chain for a model.
func FallbackChain(model string) []string {
	chains := map[string][]string{
		ModelPremium: {ModelDeep, ModelMain, ModelFallback},
		ModelDeep:    {ModelMain, ModelFallback},
		ModelMain:    {ModelFast, ModelFallback},
		ModelFast:    {ModelFallback},
		ModelNano:    {ModelFallback},
	}
	if chain, ok := chains[model]; ok {
		return chain
	}
	return []string{ModelFallback}
}

type modelPrice struct {
	input  float64 // USD per token
	output float64
}

var modelPricing = map[string]modelPrice{
	ModelPremium:  {input: 21.0 / 1_000_000, output: 168.0 / 1_000_000},
	ModelDeep:     {input: 1.75 / 1_000_000, output: 14.0 / 1_000_000},
	ModelMain:     {input: 1.25 / 1_000_000, output: 10.0 / 1_000_000},
	ModelFast:     {input: 0.25 / 1_000_000, output: 2.0 / 1_000_000},
	ModelNano:     {input: 0.05 / 1_000_000, output: 0.40 / 1_000_000},
	"gpt-4o":      {input: 2.50 / 1_000_000, output: 10.0 / 1_000_000},
	ModelFallback: {input: 0.15 / 1_000_000, output: 0.60 / 1_000_000},
}

// CostFor estimates the dollar cost of a call from its total token
// count, assuming a 50/50 input/output split. Unknown models are
// priced at the fallback tier.
func CostFor(tokens int64, model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		pricing = modelPricing[ModelFallback]
	}
	avg := (pricing.input + pricing.output) / 2
	return float64(tokens) * avg
}
