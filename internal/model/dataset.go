package model

// Dataset groups ground-truth rows used for benchmarking feedback functions.
type Dataset struct {
	DatasetID string         `json:"dataset_id"`
	Name      string         `json:"name"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// GroundTruth is one labelled example. ExpectedScore is the score a perfect
// feedback function would assign to Query/ExpectedResponse.
type GroundTruth struct {
	GroundTruthID    string         `json:"ground_truth_id"`
	DatasetID        string         `json:"dataset_id"`
	Query            string         `json:"query"`
	QueryID          string         `json:"query_id,omitempty"`
	ExpectedResponse string         `json:"expected_response,omitempty"`
	ExpectedChunks   []string       `json:"expected_chunks,omitempty"`
	ExpectedScore    *float64       `json:"expected_score,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
}

// RecordRow is one row of the records-and-feedback view: a record plus the
// DONE score of each feedback column evaluated over it.
type RecordRow struct {
	Record    Record                    `json:"record"`
	App       App                       `json:"app"`
	Feedback  map[string]float64        `json:"feedback"`
	Secondary map[string]float64        `json:"secondary,omitempty"`
	Cost      Cost                      `json:"feedback_cost"`
	Status    map[string]FeedbackStatus `json:"feedback_status"`
}

// FeedbackColumn describes one column of the records-and-feedback view.
type FeedbackColumn struct {
	Name           string `json:"name"`
	HigherIsBetter bool   `json:"higher_is_better"`
}

// LeaderboardRow is the per-app mean of every feedback column.
type LeaderboardRow struct {
	AppID      string             `json:"app_id"`
	AppName    string             `json:"app_name"`
	AppVersion string             `json:"app_version"`
	Records    int                `json:"records"`
	Means      map[string]float64 `json:"means"`
	LatencyMS  float64            `json:"latency_ms"`
	TotalCost  float64            `json:"total_cost_usd"`
}
