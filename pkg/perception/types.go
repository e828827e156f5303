package perception

import (
	"image"
	"time"
)

// Box is a detector bounding box in pixel coordinates, X2/Y2 exclusive.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one detector hit
type Detection struct {
	Box        Box     `json:"box"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Frame is one image with its detections
type Frame struct {
	ID            string        `json:"id"`
	Image         image.Image   `json:"-"`
	CapturedAt    time.Time     `json:"captured_at"`
	Model         string        `json:"model"`
	InferenceTime time.Duration `json:"inference_time"`
	Detections    []Detection   `json:"detections"`
}

// Outcome is what happened to a single detection
type Outcome string

const (
	OutcomeNew            Outcome = "new"
	OutcomeKnown          Outcome = "known"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeNoEmbedding    Outcome = "no_embedding"
	OutcomeError          Outcome = "error"
)

// DetectionResult reports the outcome for one detection
type DetectionResult struct {
	Detection  Detection `json:"detection"`
	Outcome    Outcome   `json:"outcome"`
	RecordID   string    `json:"record_id,omitempty"`
	SeenCount  int       `json:"seen_count,omitempty"`
	Similarity float64   `json:"similarity,omitempty"`
	Err        error     `json:"-"`
}

// FrameResult reports a processed frame
type FrameResult struct {
	FrameID string            `json:"frame_id"`
	Results []DetectionResult `json:"results"`
	// NewCount counts detections that created a record.
	NewCount int `json:"new_count"`
	// Total counts every detection in the frame, gated or not.
	Total int `json:"total"`
	// Threshold is the gate threshold after this frame's adjustment.
	Threshold float64 `json:"threshold"`
}
