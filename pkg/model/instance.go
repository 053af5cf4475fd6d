package model

import (
	"fmt"
	"strings"
	"time"
)

// InstanceState is an enum type that describes an EC2 instance lifecycle state.
type InstanceState string

const (
	// Unknown describes the instance state cannot be recognized.
	Unknown InstanceState = "Unknown"
	// Starting describes the instance is starting up.
	Starting InstanceState = "Starting"
	// Running describes the instance is running.
	Running InstanceState = "Running"
	// Stopping describes the instance is stopping.
	Stopping InstanceState = "Stopping"
	// Stopped describes the instance is stopped.
	Stopped InstanceState = "Stopped"
	// Terminating is when the instance is in the process of being terminated.
	Terminating InstanceState = "Terminating"
	// Terminated describes the instance is terminated.
	Terminated InstanceState = "Terminated"
)

// Terminal reports whether the state is at or past the point of no return for
// a monitored server: stopping, stopped, shutting down, or terminated. The
// distinct terminal states are deliberately not differentiated; a server in
// any of them can no longer come online.
func (s InstanceState) Terminal() bool {
	switch s {
	case Stopping, Stopped, Terminating, Terminated:
		return true
	default:
		return false
	}
}

// Instance describes one monitored EC2 instance.
type Instance struct {
	ID         string
	PublicIP   string
	LaunchTime time.Time
	State      InstanceState
}

func (inst Instance) String() string {
	if inst.State == "" {
		return inst.ID
	}
	return fmt.Sprintf("%s (%s)", inst.ID, inst.State)
}

// InstanceHealth is one observation of an instance's lifecycle state as
// reported by the EC2 control plane. Known is false when the control plane
// did not include the instance in its response, which can be a transient
// read-after-write artifact rather than a failure.
type InstanceHealth struct {
	Known     bool
	State     InstanceState
	StateName string
}

// Terminal reports whether the observation demands aborting the monitor.
func (h InstanceHealth) Terminal() bool {
	return h.Known && h.State.Terminal()
}

// FmtInstances returns a comma-separated list of instance descriptions.
func FmtInstances(instances []*Instance) string {
	instanceIDs := make([]string, 0, len(instances))
	for _, inst := range instances {
		instanceIDs = append(instanceIDs, inst.String())
	}
	return strings.Join(instanceIDs, ", ")
}
