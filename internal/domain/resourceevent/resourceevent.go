// Package resourceevent defines the typed sum over ResourceMonitor webhook
// events. Handlers switch-dispatch on Type rather than branching on raw
// strings scattered through the call chain.
package resourceevent

// Type enumerates the kinds of events ResourceMonitor emits.
type Type string

const (
	TypePreProvision  Type = "pre-provision"
	TypeMigrate       Type = "migrate"
	TypeUrgentMigrate Type = "urgent-migrate"
	TypeCritical      Type = "critical"
	TypeIdleSleep     Type = "idle-sleep"
	TypeIdleWake      Type = "idle-wake"
	TypeGPUHint       Type = "gpu-hint"
)

// Event is the payload ResourceMonitor posts to POST /hooks/resource.
type Event struct {
	Type          Type    `json:"type"`
	RuntimeID     string  `json:"runtime_id"`
	ContainerName string  `json:"container_name"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
}

// InstanceType is a ComputeManager upgrade target.
type InstanceType string

const (
	InstanceSmall  InstanceType = "t3.small"
	InstanceMedium InstanceType = "t3.medium"
	InstanceLarge  InstanceType = "t3.large"
	InstanceXLarge InstanceType = "t3.xlarge"

	// InstanceGPU is the target for a gpu-hint event: migrate onto a
	// GPU-capable instance regardless of current memory pressure.
	InstanceGPU InstanceType = "g4dn.xlarge"
)

// UpgradeTarget selects a ComputeManager instance type from a memory
// pressure percentage, per the table in the resource-event handler spec:
// >=90% -> xlarge, >=75% -> large, >=50% -> medium, else small.
func UpgradeTarget(memoryPercent float64) InstanceType {
	switch {
	case memoryPercent >= 90:
		return InstanceXLarge
	case memoryPercent >= 75:
		return InstanceLarge
	case memoryPercent >= 50:
		return InstanceMedium
	default:
		return InstanceSmall
	}
}
