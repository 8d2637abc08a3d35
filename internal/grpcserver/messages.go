package grpcserver

// ReportResultRequest carries one image verdict from a worker.
type ReportResultRequest struct {
	ImageSampleID string  `json:"image_sample_id"`
	Label         string  `json:"label"`
	Model         string  `json:"model"`
	Confidence    float64 `json:"confidence"`
}

// ReportFailureRequest tells the server an image could not be processed.
type ReportFailureRequest struct {
	ImageSampleID string `json:"image_sample_id"`
	Message       string `json:"message"`
}

// CheckupStatusResponse is the checkup state after a callback was applied.
type CheckupStatusResponse struct {
	CheckupID       string  `json:"checkup_id"`
	Status          string  `json:"status"`
	ResultLabel     string  `json:"result_label,omitempty"`
	FinalConfidence float64 `json:"final_confidence,omitempty"`
}
