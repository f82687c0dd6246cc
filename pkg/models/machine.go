package models

import (
	"fmt"
	"time"
)

// MachineStatus is the lifecycle state of a rented GPU instance.
type MachineStatus string

const (
	MachineLoading   MachineStatus = "LOADING"
	MachineRunning   MachineStatus = "RUNNING"
	MachineExited    MachineStatus = "EXITED"
	MachineFailed    MachineStatus = "FAILED"
	MachineCancelled MachineStatus = "CANCELLED"
)

// machineTransitions is the complete edge set of the machine state graph.
// Terminal states have no outgoing edges.
var machineTransitions = map[MachineStatus][]MachineStatus{
	MachineLoading: {MachineRunning, MachineExited, MachineFailed, MachineCancelled},
	MachineRunning: {MachineExited, MachineFailed, MachineCancelled},
}

// IsTerminal reports whether s is absorbing.
func (s MachineStatus) IsTerminal() bool {
	switch s {
	case MachineExited, MachineFailed, MachineCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the machine state graph has an edge s -> to.
func (s MachineStatus) CanTransition(to MachineStatus) bool {
	for _, next := range machineTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns every state with an edge into s.
func (s MachineStatus) Sources() []MachineStatus {
	var out []MachineStatus
	for from, nexts := range machineTransitions {
		for _, n := range nexts {
			if n == s {
				out = append(out, from)
			}
		}
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (s MachineStatus) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *MachineStatus) UnmarshalText(b []byte) error {
	v := MachineStatus(b)
	switch v {
	case MachineLoading, MachineRunning, MachineExited, MachineFailed, MachineCancelled:
		*s = v
		return nil
	}
	return fmt.Errorf("unknown machine status %q", b)
}

// JobStatus returns the job status mirrored for a non-terminal machine status.
func (s MachineStatus) JobStatus() JobStatus {
	if s == MachineRunning {
		return JobStatusRunning
	}
	return JobStatusLoading
}

// Machine is one rented remote GPU instance bound to a job attempt.
type Machine struct {
	ID         int64         `db:"machine_id"     json:"machine_id"`
	InstanceID string        `db:"instance_id"    json:"instance_id"`
	JobID      int64         `db:"job_id"         json:"job_id"`
	UserID     int64         `db:"user_id"        json:"user_id"`
	Provider   string        `db:"provider"       json:"provider"`
	Status     MachineStatus `db:"machine_status" json:"machine_status"`
	ListingID  string        `db:"listing_id"     json:"listing_id"`
	PricePerHr float64       `db:"price_per_hr"   json:"price_per_hr"`
	CreatedAt  time.Time     `db:"created_at"     json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at"     json:"updated_at"`
}
