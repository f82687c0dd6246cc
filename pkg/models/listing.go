package models

import "math"

// Provider tags stored on listings and Machine rows.
const (
	ProviderVast   = "vast"
	ProviderRunpod = "runpod"
)

// UnlimitedDisk marks listings whose disk is sized at launch time.
var UnlimitedDisk = math.Inf(1)

// Listing is one rentable offer normalized across marketplaces.
type Listing struct {
	ID         string  `json:"id"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	VRAMGB     float64 `json:"vram_gb"`
	RAMGB      float64 `json:"ram_gb"`
	VCPUs      float64 `json:"vcpus"`
	DiskGB     float64 `json:"disk_gb"`
	PricePerHr float64 `json:"price_per_hr"`

	// Spot is set for bid-market offers only.
	Spot *SpotDetails `json:"spot,omitempty"`
}

// SpotDetails carries the fields only the spot market reports.
type SpotDetails struct {
	MachineID        int64   `json:"machine_id"`
	CUDA             float64 `json:"cuda"`
	Reliability      float64 `json:"reliability"`
	MaxDurationSecs  float64 `json:"max_duration_secs"`
	DirectPortCount  int     `json:"direct_port_count"`
	InternetUpMbps   float64 `json:"inet_up"`
	InternetDownMbps float64 `json:"inet_down"`
}
