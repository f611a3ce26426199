package protocol

// DescribeResult is the worker's capability/version answer to describe.
type DescribeResult struct {
	Version      string   `json:"version"`
	Engine       string   `json:"engine"`
	Capabilities []string `json:"capabilities"`
}

// DeviceInfo describes one capture device reported by devices.list.
type DeviceInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// DevicesListResult is the result payload of devices.list.
type DevicesListResult struct {
	Devices []DeviceInfo `json:"devices"`
}

// DeviceSelectParams selects the capture device for subsequent recordings.
type DeviceSelectParams struct {
	DeviceID string `json:"device_id"`
}

// Model install states mirrored from the worker. The host never declares
// "ready" on its own.
const (
	ModelMissing     = "missing"
	ModelDownloading = "downloading"
	ModelVerifying   = "verifying"
	ModelReady       = "ready"
	ModelError       = "error"
)

// ModelStatus is the result payload of model.status and the shape kept by
// the model cache coordinator.
type ModelStatus struct {
	State     string `json:"state"`
	Received  int64  `json:"received,omitempty"`
	Total     int64  `json:"total,omitempty"`
	CachePath string `json:"cache_path,omitempty"`
	Message   string `json:"message,omitempty"`
}

// RecordStartParams hands the host-minted session id to the worker. The
// worker echoes it on every related notification.
type RecordStartParams struct {
	SessionID string `json:"session_id"`
}

// RecordStopParams ends audio capture for a session.
type RecordStopParams struct {
	SessionID string `json:"session_id"`
}

// RecordCancelParams discards buffered audio for a session.
type RecordCancelParams struct {
	SessionID string `json:"session_id"`
}

// RulesSetParams pushes the active rewrite rule lines to the worker.
type RulesSetParams struct {
	Rules []string `json:"rules"`
}

// ProgressNote is a state/progress push tagged with a session id.
type ProgressNote struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
	Detail    string `json:"detail,omitempty"`
}

// AudioLevelNote is a metering sample.
type AudioLevelNote struct {
	RMS  float64 `json:"rms"`
	Peak float64 `json:"peak"`
}

// ModelProgressNote reports install progress.
type ModelProgressNote struct {
	Stage    string `json:"stage"`
	Received int64  `json:"received"`
	Total    int64  `json:"total"`
}

// TranscriptDoneNote is the asynchronous transcription completion.
type TranscriptDoneNote struct {
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	ComputeMS  int64   `json:"compute_ms,omitempty"`
}

// TranscriptErrorNote is the asynchronous transcription failure.
type TranscriptErrorNote struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}
