package models

import "time"

// LifecycleAction enumerates state-changing operations the Lifecycle
// Controller performs (§3 LifecycleEvent, §4.9).
type LifecycleAction string

const (
	ActionCreate    LifecycleAction = "create"
	ActionDestroy   LifecycleAction = "destroy"
	ActionPause     LifecycleAction = "pause"
	ActionResume    LifecycleAction = "resume"
	ActionHibernate LifecycleAction = "hibernate"
	ActionWake      LifecycleAction = "wake"
	ActionError     LifecycleAction = "error"
)

// CallerSource enumerates who invoked the Lifecycle Controller (§4.9).
type CallerSource string

const (
	SourceAPIUser          CallerSource = "api_user"
	SourceAPIDashboard     CallerSource = "api_dashboard"
	SourceAutoHibernation  CallerSource = "auto_hibernation"
	SourceWarmPoolManager  CallerSource = "warm_pool_manager"
	SourceWarmPoolFailover CallerSource = "warm_pool_failover"
	SourceRegionalVolume   CallerSource = "regional_volume_failover"
	SourceCPUStandby       CallerSource = "cpu_standby"
	SourceScheduledTask    CallerSource = "scheduled_task"
	SourceDeployWizard     CallerSource = "deploy_wizard"
	SourceSystem           CallerSource = "system"
	SourceUnknown          CallerSource = "unknown"
)

// CallerSite pinpoints the first call-stack frame outside the Lifecycle
// Controller module, captured by a runtime.Callers walk (§4.1 Audit Log).
type CallerSite struct {
	Module   string `json:"module"`
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// LifecycleEvent is an append-only audit record (§3).
type LifecycleEvent struct {
	ID               int64            `json:"id"`
	InstanceID       string           `json:"instance_id"`
	UserID           string           `json:"user_id,omitempty"`
	Action           LifecycleAction  `json:"action"`
	PreviousStatus   ActualStatus     `json:"previous_status"`
	NewStatus        ActualStatus     `json:"new_status"`
	Success          bool             `json:"success"`
	CallerSource     CallerSource     `json:"caller_source"`
	CallerSite       CallerSite       `json:"caller_site"`
	Reason           string           `json:"reason"` // mandatory, non-empty
	ReasonDetails    string           `json:"reason_details,omitempty"` // error text when success=false
	SnapshotID       string           `json:"snapshot_id,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}
