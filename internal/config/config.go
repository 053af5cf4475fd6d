// Package config defines the deploywatch configuration. It is populated from
// a YAML configuration file merged through viper by the command-line entry
// point and validated with pkg/check.
package config

import (
	"encoding/json"

	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/check"
	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/logger"
	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/model"
)

// DefaultConfig returns the default configuration of the monitor process.
func DefaultConfig() *Config {
	return &Config{
		Log: *logger.DefaultConfig(),
		API: APIConfig{
			Enabled: true,
			Address: ":4040",
		},
	}
}

// Config is the top-level configuration of the monitor process.
type Config struct {
	ConfigFile string           `json:"config_file"`
	Log        logger.Config    `json:"log"`
	API        APIConfig        `json:"api"`
	AWS        AWSConfig        `json:"aws"`
	Deployment DeploymentConfig `json:"deployment"`
	Server     ServerConfig     `json:"server"`
	Instances  []InstanceConfig `json:"instances"`
	Monitor    MonitorConfig    `json:"monitor"`
}

// Printable returns a JSON string of the configuration.
func (c Config) Printable() ([]byte, error) {
	return json.Marshal(c)
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	return []error{
		check.GreaterThan(int64(len(c.Instances)), 0, "must configure at least one instance"),
	}
}

// APIConfig configures the HTTP endpoint that exposes job status snapshots.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// Validate implements the check.Validatable interface.
func (a APIConfig) Validate() []error {
	if !a.Enabled {
		return nil
	}
	return []error{
		check.NotEmpty(a.Address, "api address must be configured when the api is enabled"),
	}
}

// AWSConfig configures the EC2 and ELB clients. An empty region defers to the
// SDK's default resolution chain; CustomRegion overrides it for deployments
// that target a region other than the one the process runs in.
type AWSConfig struct {
	Region       string `json:"region"`
	CustomRegion string `json:"custom_region"`
}

// EffectiveRegion returns the region the cloud clients should use.
func (a AWSConfig) EffectiveRegion() string {
	if a.CustomRegion != "" {
		return a.CustomRegion
	}
	return a.Region
}

// DeploymentConfig describes the deployment whose servers are monitored.
type DeploymentConfig struct {
	ID                string `json:"id"`
	BuildGraphOnly    bool   `json:"build_graph_only"`
	GraphAlreadyBuilt bool   `json:"graph_already_built"`
	// S3FolderURI is where otp-runner uploads its logs, e.g.
	// s3://bucket/deployments/deadbeef.
	S3FolderURI string `json:"s3_folder_uri"`
}

// Validate implements the check.Validatable interface.
func (d DeploymentConfig) Validate() []error {
	return []error{
		check.NotEmpty(d.ID, "deployment id must be configured"),
		check.NotEmpty(d.S3FolderURI, "deployment s3 folder uri must be configured"),
	}
}

// ServerConfig describes the OTP server definition the instances belong to.
// TargetGroupArn may be empty; the monitor fails the job at start in that
// case, mirroring a deployment misconfiguration rather than a process
// misconfiguration.
type ServerConfig struct {
	TargetGroupArn        string `json:"target_group_arn"`
	HasSeparateGraphBuild bool   `json:"has_separate_graph_build"`
}

// MonitorConfig optionally overrides the monitor's fixed poll delay and
// phase deadlines. Zero values keep the built-in defaults.
type MonitorConfig struct {
	Delay                    model.Duration `json:"delay"`
	StatusFileDeadline       model.Duration `json:"status_file_deadline"`
	RunnerDeadline           model.Duration `json:"runner_deadline"`
	RunnerDeadlineGraphBuilt model.Duration `json:"runner_deadline_graph_built"`
	RouterDeadline           model.Duration `json:"router_deadline"`
	RegisterDeadline         model.Duration `json:"register_deadline"`
}

// Validate implements the check.Validatable interface.
func (m MonitorConfig) Validate() []error {
	return []error{
		check.GreaterThanOrEqualTo(int64(m.Delay), 0, "monitor delay must not be negative"),
		check.GreaterThanOrEqualTo(int64(m.StatusFileDeadline), 0,
			"monitor deadlines must not be negative"),
		check.GreaterThanOrEqualTo(int64(m.RunnerDeadline), 0,
			"monitor deadlines must not be negative"),
		check.GreaterThanOrEqualTo(int64(m.RunnerDeadlineGraphBuilt), 0,
			"monitor deadlines must not be negative"),
		check.GreaterThanOrEqualTo(int64(m.RouterDeadline), 0,
			"monitor deadlines must not be negative"),
		check.GreaterThanOrEqualTo(int64(m.RegisterDeadline), 0,
			"monitor deadlines must not be negative"),
	}
}

// InstanceConfig identifies one launched instance to monitor.
type InstanceConfig struct {
	ID       string `json:"id"`
	PublicIP string `json:"public_ip"`
}

// Validate implements the check.Validatable interface.
func (i InstanceConfig) Validate() []error {
	return []error{
		check.NotEmpty(i.ID, "instance id must be configured"),
		check.NotEmpty(i.PublicIP, "instance public ip must be configured"),
	}
}
