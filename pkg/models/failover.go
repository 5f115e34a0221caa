package models

import "time"

// Strategy enumerates failover recovery strategies (§3 FailoverRecord, §4.8).
type Strategy string

const (
	StrategyWarmPool       Strategy = "warm_pool"
	StrategyRegionalVolume Strategy = "regional_volume"
	StrategyCPUStandby     Strategy = "cpu_standby"
	StrategyBoth           Strategy = "both" // warm_pool then cpu_standby
	StrategyAll            Strategy = "all"  // warm_pool, regional_volume, cpu_standby in order
	StrategyDisabled       Strategy = "disabled"
)

// Ordered returns the concrete strategy attempt order for a configured
// Strategy value. Order is fixed per §4.8 ("not reorderable at runtime").
func (s Strategy) Ordered() []Strategy {
	switch s {
	case StrategyWarmPool:
		return []Strategy{StrategyWarmPool}
	case StrategyRegionalVolume:
		return []Strategy{StrategyRegionalVolume}
	case StrategyCPUStandby:
		return []Strategy{StrategyCPUStandby}
	case StrategyBoth:
		return []Strategy{StrategyWarmPool, StrategyCPUStandby}
	case StrategyAll:
		return []Strategy{StrategyWarmPool, StrategyRegionalVolume, StrategyCPUStandby}
	default:
		return nil
	}
}

// PhaseTiming records how long one strategy attempt took and its outcome.
type PhaseTiming struct {
	Strategy   Strategy      `json:"strategy"`
	DurationMS int64         `json:"duration_ms"`
	Succeeded  bool          `json:"succeeded"`
	Error      string        `json:"error,omitempty"`
}

// FailoverRecord is one failover attempt, persisted per §6.
type FailoverRecord struct {
	ID                int64      `json:"id"`
	FailoverID        string     `json:"failover_id"`
	MachineID         string     `json:"machine_id"`
	StrategyAttempted Strategy   `json:"strategy_attempted"`
	StrategySucceeded Strategy   `json:"strategy_succeeded,omitempty"`

	WarmPoolAttemptMS       int64 `json:"warm_pool_attempt_ms"`
	RegionalVolumeAttemptMS int64 `json:"regional_volume_attempt_ms"`
	CPUStandbyAttemptMS     int64 `json:"cpu_standby_attempt_ms"`
	TotalMS                 int64 `json:"total_ms"`

	GPUsTried      int `json:"gpus_tried"`
	RoundsAttempted int `json:"rounds_attempted"`

	NewInstanceID string `json:"new_instance_id,omitempty"`
	NewSSHHost    string `json:"new_ssh_host,omitempty"`
	NewSSHPort    int    `json:"new_ssh_port,omitempty"`

	Error       string        `json:"error,omitempty"`
	PhaseErrors []PhaseTiming `json:"phase_errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// WarmPoolConfig configures the Warm Pool strategy for a machine (§4.6).
type WarmPoolConfig struct {
	VolumeSizeGB     int           `json:"volume_size_gb"`
	HealthCheckEvery time.Duration `json:"health_check_interval"`
	FailThreshold    int           `json:"fail_threshold"`
}

// RegionalVolumeConfig configures the Regional Volume strategy (§4.7).
type RegionalVolumeConfig struct {
	Region         string        `json:"region"`
	PreferredGPUs  []string      `json:"preferred_gpus"`
	MinReliability float64       `json:"min_reliability"`
	TimeoutS       int           `json:"timeout_s"`
	DestroyOld     bool          `json:"destroy_old"`
}

// CPUStandbyConfig configures the CPU-standby fallback strategy (§4.8).
type CPUStandbyConfig struct {
	MachineType     string `json:"machine_type"`
	Zone            string `json:"zone"`
	TestInference   bool   `json:"test_inference"`
	InferencePrompt string `json:"inference_prompt,omitempty"`
}

// FailoverPolicy is either the global default or a per-machine override
// (§3 FailoverPolicy).
type FailoverPolicy struct {
	MachineID       string               `json:"machine_id,omitempty"` // empty for the global policy
	DefaultStrategy Strategy             `json:"default_strategy"`
	WarmPool        WarmPoolConfig       `json:"warm_pool"`
	RegionalVolume  RegionalVolumeConfig `json:"regional_volume"`
	CPUStandby      CPUStandbyConfig     `json:"cpu_standby"`
	Override        bool                 `json:"override"` // if true, this policy replaces the global rather than layering on it
}

// Effective resolves the policy a machine should use: the per-machine
// policy if present and either overriding or simply set, else the global.
func Effective(global FailoverPolicy, machine *FailoverPolicy) FailoverPolicy {
	if machine == nil {
		return global
	}
	if machine.Override {
		return *machine
	}
	// Layer: machine-specific strategy wins, unset config blocks inherit from global.
	merged := global
	merged.MachineID = machine.MachineID
	if machine.DefaultStrategy != "" {
		merged.DefaultStrategy = machine.DefaultStrategy
	}
	if machine.WarmPool != (WarmPoolConfig{}) {
		merged.WarmPool = machine.WarmPool
	}
	if machine.RegionalVolume.Region != "" || len(machine.RegionalVolume.PreferredGPUs) > 0 {
		merged.RegionalVolume = machine.RegionalVolume
	}
	if machine.CPUStandby != (CPUStandbyConfig{}) {
		merged.CPUStandby = machine.CPUStandby
	}
	return merged
}
