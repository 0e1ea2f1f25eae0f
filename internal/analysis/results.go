package analysis

// Scan modes, used as result tags, cache modes and metric labels.
const (
	ModeStructural = "T1"
	ModeWeights    = "T2"
	ModeActivation = "fMRI"
	ModeCircuit    = "DTI"
	ModeAnomaly    = "FLAIR"
	ModeSAE        = "SAE"
)

type LayerStructure struct {
	LayerID    string         `json:"layer_id"`
	LayerType  string         `json:"layer_type"`
	LayerIndex *int           `json:"layer_index"`
	ParamCount int64          `json:"param_count"`
	ShapeInfo  map[string]int `json:"shape_info"`
}

type ConnectionInfo struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Type   string `json:"type"`
}

type StructuralData struct {
	ModelID     string           `json:"model_id"`
	ScanMode    string           `json:"scan_mode"`
	TotalParams int64            `json:"total_params"`
	Layers      []LayerStructure `json:"layers"`
	Connections []ConnectionInfo `json:"connections"`
	Metadata    map[string]any   `json:"metadata"`
}

type LayerWeightStats struct {
	LayerID     string    `json:"layer_id"`
	Component   string    `json:"component"`
	Mean        float64   `json:"mean"`
	Std         float64   `json:"std"`
	MinVal      float64   `json:"min_val"`
	MaxVal      float64   `json:"max_val"`
	L2Norm      float64   `json:"l2_norm"`
	Shape       []int     `json:"shape"`
	NumOutliers int       `json:"num_outliers"`
	Histogram   []float64 `json:"histogram"`
}

type WeightData struct {
	ModelID  string             `json:"model_id"`
	ScanMode string             `json:"scan_mode"`
	Layers   []LayerWeightStats `json:"layers"`
	Metadata map[string]any     `json:"metadata"`
}

type LayerActivation struct {
	LayerID     string      `json:"layer_id"`
	Activations []float64   `json:"activations"`
	PerHead     [][]float64 `json:"per_head"`
}

type ActivationData struct {
	ModelID  string            `json:"model_id"`
	ScanMode string            `json:"scan_mode"`
	Tokens   []string          `json:"tokens"`
	Layers   []LayerActivation `json:"layers"`
	Metadata map[string]any    `json:"metadata"`
}

type PathwayConnection struct {
	FromID    string  `json:"from_id"`
	ToID      string  `json:"to_id"`
	Strength  float64 `json:"strength"`
	IsPathway bool    `json:"is_pathway"`
}

type AttentionHead struct {
	LayerIdx int         `json:"layer_idx"`
	HeadIdx  int         `json:"head_idx"`
	Pattern  [][]float64 `json:"pattern"`
}

type ComponentImportance struct {
	LayerID    string  `json:"layer_id"`
	Importance float64 `json:"importance"`
	IsPathway  bool    `json:"is_pathway"`
}

type CircuitData struct {
	ModelID        string                `json:"model_id"`
	ScanMode       string                `json:"scan_mode"`
	Tokens         []string              `json:"tokens"`
	TargetTokenIdx int                   `json:"target_token_idx"`
	Connections    []PathwayConnection   `json:"connections"`
	Components     []ComponentImportance `json:"components"`
	AttentionHeads []AttentionHead       `json:"attention_heads"`
	Metadata       map[string]any        `json:"metadata"`
}

type TokenProb struct {
	Token string  `json:"token"`
	Prob  float64 `json:"prob"`
}

type LayerAnomaly struct {
	LayerID        string        `json:"layer_id"`
	AnomalyScores  []float64     `json:"anomaly_scores"`
	KLScores       []float64     `json:"kl_scores"`
	EntropyScores  []float64     `json:"entropy_scores"`
	TopPredictions [][]TokenProb `json:"top_predictions"`
}

type AnomalyData struct {
	ModelID  string         `json:"model_id"`
	ScanMode string         `json:"scan_mode"`
	Tokens   []string       `json:"tokens"`
	Layers   []LayerAnomaly `json:"layers"`
	Metadata map[string]any `json:"metadata"`
}

type SAEFeatureInfo struct {
	FeatureIdx           int     `json:"feature_idx"`
	Activation           float64 `json:"activation"`
	ActivationNormalized float64 `json:"activation_normalized"`
	NeuronpediaURL       *string `json:"neuronpedia_url"`
}

type SAETokenFeatures struct {
	TokenIdx    int              `json:"token_idx"`
	TokenStr    string           `json:"token_str"`
	TopFeatures []SAEFeatureInfo `json:"top_features"`
}

type SAEData struct {
	ModelID               string             `json:"model_id"`
	ScanMode              string             `json:"scan_mode"`
	Prompt                string             `json:"prompt"`
	LayerIdx              int                `json:"layer_idx"`
	HookName              string             `json:"hook_name"`
	DSAE                  int                `json:"d_sae"`
	Tokens                []string           `json:"tokens"`
	TokenFeatures         []SAETokenFeatures `json:"token_features"`
	ReconstructionLoss    float64            `json:"reconstruction_loss"`
	Sparsity              float64            `json:"sparsity"`
	HeatmapFeatureIndices []int              `json:"heatmap_feature_indices"`
	HeatmapValues         [][]float64        `json:"heatmap_values"`
	Metadata              map[string]any     `json:"metadata"`
}

type WeightRequest struct {
	Layers []string `json:"layers,omitempty"`
}

// ActivationRequest selects the prompt, an optional subset of component ids
// to report, and the per-token aggregation ("l2" or "mean").
type ActivationRequest struct {
	Prompt      string   `json:"prompt"`
	Layers      []string `json:"layers,omitempty"`
	Aggregation string   `json:"aggregation,omitempty"`
}

// CircuitRequest traces the logits at TargetTokenIdx (negative means the
// last position). A zero Threshold selects the engine default.
type CircuitRequest struct {
	Prompt         string  `json:"prompt"`
	TargetTokenIdx int     `json:"target_token_idx"`
	Threshold      float64 `json:"threshold,omitempty"`
}

type AnomalyRequest struct {
	Prompt string `json:"prompt"`
}

type SAERequest struct {
	Prompt string `json:"prompt"`
	Layer  int    `json:"layer_idx"`
	TopK   int    `json:"top_k"`
}
