package models

import "time"

// WarmPoolState is the Warm Pool Manager's per-machine state machine (§4.6):
// inactive -> provisioning -> active -> failing_over -> active -> ...,
// and terminal error.
type WarmPoolState string

const (
	WarmPoolInactive    WarmPoolState = "inactive"
	WarmPoolProvisioning WarmPoolState = "provisioning"
	WarmPoolActive      WarmPoolState = "active"
	WarmPoolFailingOver WarmPoolState = "failing_over"
	WarmPoolError       WarmPoolState = "error"
)

// WarmPool tracks one machine's standby pairing: a primary and standby GPU
// on the same physical host sharing a persistent volume.
type WarmPool struct {
	MachineID        string        `json:"machine_id"`
	State            WarmPoolState `json:"state"`
	VolumeID         string        `json:"volume_id"`
	PrimaryID        string        `json:"primary_instance_id"`
	StandbyID        string        `json:"standby_instance_id,omitempty"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	LastFailoverAt   time.Time     `json:"last_failover_at,omitempty"`
}
