package perturb

const (
	TypeZeroOut = "zero_out"
	TypeAmplify = "amplify"
	TypeAblate  = "ablate"

	DefaultAmplifyFactor = 2.0
	predictionTopK       = 5
)

type TokenPrediction struct {
	Token string  `json:"token"`
	Logit float64 `json:"logit"`
	Prob  float64 `json:"prob"`
}

type PerturbResult struct {
	ModelID          string            `json:"model_id"`
	Component        string            `json:"component"`
	PerturbationType string            `json:"perturbation_type"`
	Original         TokenPrediction   `json:"original"`
	Perturbed        TokenPrediction   `json:"perturbed"`
	TopKOriginal     []TokenPrediction `json:"top_k_original"`
	TopKPerturbed    []TokenPrediction `json:"top_k_perturbed"`
	LogitDiff        float64           `json:"logit_diff"`
	KLDivergence     float64           `json:"kl_divergence"`
	Metadata         map[string]any    `json:"metadata"`
}

type PatchResult struct {
	ModelID           string          `json:"model_id"`
	Component         string          `json:"component"`
	CleanPrompt       string          `json:"clean_prompt"`
	CorruptPrompt     string          `json:"corrupt_prompt"`
	CleanPrediction   TokenPrediction `json:"clean_prediction"`
	CorruptPrediction TokenPrediction `json:"corrupt_prediction"`
	PatchedPrediction TokenPrediction `json:"patched_prediction"`
	RecoveryScore     float64         `json:"recovery_score"`
	Metadata          map[string]any  `json:"metadata"`
}

type CausalTraceCell struct {
	Component     string  `json:"component"`
	LayerIdx      int     `json:"layer_idx"`
	ComponentType string  `json:"component_type"`
	RecoveryScore float64 `json:"recovery_score"`
}

type CausalTraceResult struct {
	ModelID           string            `json:"model_id"`
	CleanPrompt       string            `json:"clean_prompt"`
	CorruptPrompt     string            `json:"corrupt_prompt"`
	TargetTokenIdx    int               `json:"target_token_idx"`
	CleanPrediction   string            `json:"clean_prediction"`
	CorruptPrediction string            `json:"corrupt_prediction"`
	Cells             []CausalTraceCell `json:"cells"`
	NLayers           int               `json:"n_layers"`
	Metadata          map[string]any    `json:"metadata"`
}

type ComponentRequest struct {
	Component string `json:"component"`
	Prompt    string `json:"prompt"`
}

// AmplifyRequest scales a component's output. A nil Factor means
// DefaultAmplifyFactor.
type AmplifyRequest struct {
	Component string   `json:"component"`
	Prompt    string   `json:"prompt"`
	Factor    *float64 `json:"factor,omitempty"`
}

func (r AmplifyRequest) factor() float64 {
	if r.Factor == nil {
		return DefaultAmplifyFactor
	}
	return *r.Factor
}

// PatchRequest patches Component from the clean run into the corrupt run.
// A negative TargetTokenIdx means the last position.
type PatchRequest struct {
	CleanPrompt    string `json:"clean_prompt"`
	CorruptPrompt  string `json:"corrupt_prompt"`
	Component      string `json:"component"`
	TargetTokenIdx int    `json:"target_token_idx"`
}

type CausalTraceRequest struct {
	CleanPrompt    string `json:"clean_prompt"`
	CorruptPrompt  string `json:"corrupt_prompt"`
	TargetTokenIdx int    `json:"target_token_idx"`
}
