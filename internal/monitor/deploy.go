package monitor

import (
	"fmt"
	"sync/atomic"
)

// Deploy describes one deployment run. It is immutable for the duration of
// the run except for the completed-servers counter, which the monitors of
// the deployment increment concurrently.
type Deploy struct {
	DeploymentID      string
	BuildGraphOnly    bool
	GraphAlreadyBuilt bool
	S3FolderURI       string

	TargetGroupArn string
	// HasSeparateGraphBuild is set when the server definition splits the
	// graph-build and graph-serve roles across different instance types.
	HasSeparateGraphBuild bool

	completedServers atomic.Int64
}

// BuildOnly reports whether an instance's job ends once the graph is
// uploaded: either the deployment itself is a graph build, or the
// infrastructure splits build and serve roles and no graph was pre-built.
func (d *Deploy) BuildOnly() bool {
	return d.BuildGraphOnly || (!d.GraphAlreadyBuilt && d.HasSeparateGraphBuild)
}

// IncrementCompletedServers records one more fully started server and
// returns the new total.
func (d *Deploy) IncrementCompletedServers() int64 {
	return d.completedServers.Add(1)
}

// CompletedServers returns how many servers have fully started.
func (d *Deploy) CompletedServers() int64 {
	return d.completedServers.Load()
}

// RunnerLogPath returns the S3 path where otp-runner uploads the given
// instance's log. The path is reported in every failure message so the log
// stays reachable after the instance is gone.
func (d *Deploy) RunnerLogPath(instanceID string) string {
	return fmt.Sprintf("%s/%s-otp-runner.log", d.S3FolderURI, instanceID)
}
