package domain

// ClientStatus is one client's entry in the balancer snapshot exported on
// the status endpoint.
type ClientStatus struct {
	WorkLoad         int64   `json:"work_load"`
	Healthy          bool    `json:"healthy"`
	AvgResponseTime  float64 `json:"avg_response_time"`
	TimeSinceLastUse float64 `json:"time_since_last_use"`
}

// Message is the minimal view of a platform message the gateway cares
// about: the media handle it carries.
type Message struct {
	ID           int64  `json:"id"`
	FileHandle   string `json:"file_handle"`
	FileUniqueID string `json:"file_unique_id"`
}
