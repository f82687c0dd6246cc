package models

import "time"

// Progress is the best-effort live progress a worker reports.
type Progress struct {
	Model     string    `json:"model"`
	Percent   float64   `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}
