package prediction

import "time"

// PositiveThreshold is the probability above which a scan reads as pneumonia.
const PositiveThreshold = 0.5

// Prediction is the inference backend's verdict for one uploaded image.
type Prediction struct {
	Filename       string    `json:"filename"`
	Result         string    `json:"result"`
	Probability    *float64  `json:"probability,omitempty"`
	Confidence     string    `json:"confidence,omitempty"`
	Interpretation string    `json:"interpretation,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	Note           string    `json:"note,omitempty"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Positive reports whether the probability crosses PositiveThreshold.
// Without a probability it falls back to the result label.
func (p Prediction) Positive() bool {
	if p.Probability != nil {
		return *p.Probability > PositiveThreshold
	}
	return p.Result != "" && p.Result != "Normal" && p.Result != "NORMAL"
}
