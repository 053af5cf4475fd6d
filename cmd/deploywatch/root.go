package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ghodss/yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Digital-Botschafter-und-mehr/datatools-server/internal/api"
	"github.com/Digital-Botschafter-und-mehr/datatools-server/internal/config"
	"github.com/Digital-Botschafter-und-mehr/datatools-server/internal/monitor"
	"github.com/Digital-Botschafter-und-mehr/datatools-server/internal/monitor/aws"
	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/check"
	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/logger"
	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/model"
)

const defaultConfigPath = "/etc/deploywatch/config.yaml"

const apiShutdownTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "deploywatch",
	Short: "monitor freshly launched OTP server instances through to serving traffic",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRoot(); err != nil {
			log.Error(fmt.Sprintf("%+v", err))
			os.Exit(1)
		}
	},
}

func runRoot() error {
	conf, err := initializeConfig()
	if err != nil {
		return err
	}

	printableConfig, err := conf.Printable()
	if err != nil {
		return err
	}
	log.Infof("deploywatch configuration: %s", printableConfig)

	cluster, err := aws.New(conf.AWS.EffectiveRegion())
	if err != nil {
		return err
	}

	deploy := &monitor.Deploy{
		DeploymentID:          conf.Deployment.ID,
		BuildGraphOnly:        conf.Deployment.BuildGraphOnly,
		GraphAlreadyBuilt:     conf.Deployment.GraphAlreadyBuilt,
		S3FolderURI:           conf.Deployment.S3FolderURI,
		TargetGroupArn:        conf.Server.TargetGroupArn,
		HasSeparateGraphBuild: conf.Server.HasSeparateGraphBuild,
	}

	tunables := monitor.Tunables{
		Delay:                    time.Duration(conf.Monitor.Delay),
		StatusFileDeadline:       time.Duration(conf.Monitor.StatusFileDeadline),
		RunnerDeadline:           time.Duration(conf.Monitor.RunnerDeadline),
		RunnerDeadlineGraphBuilt: time.Duration(conf.Monitor.RunnerDeadlineGraphBuilt),
		RouterDeadline:           time.Duration(conf.Monitor.RouterDeadline),
		RegisterDeadline:         time.Duration(conf.Monitor.RegisterDeadline),
	}

	monitors := make([]*monitor.Monitor, 0, len(conf.Instances))
	instances := make([]*model.Instance, 0, len(conf.Instances))
	for _, inst := range conf.Instances {
		instance := model.Instance{
			ID:       inst.ID,
			PublicIP: inst.PublicIP,
		}
		m := monitor.New(deploy, instance, cluster)
		m.Tune(tunables)
		monitors = append(monitors, m)
		instances = append(instances, &instance)
	}
	log.Infof("monitoring %d instances: %s", len(instances), model.FmtInstances(instances))

	var server *api.Server
	if conf.API.Enabled {
		server = api.New(monitors)
		go func() {
			if err := server.Run(conf.API.Address); err != nil {
				log.WithError(err).Error("status api failed")
			}
		}()
	}

	var mu sync.Mutex
	var merr *multierror.Error
	var wg sync.WaitGroup
	for _, m := range monitors {
		wg.Add(1)
		go func(m *monitor.Monitor) {
			defer wg.Done()
			if err := m.Run(); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	log.Infof("deployment %s: %d/%d servers completed",
		deploy.DeploymentID, deploy.CompletedServers(), len(monitors))

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("error shutting down status api")
		}
	}
	return merr.ErrorOrNil()
}

// initializeConfig returns the validated configuration populated from the
// config file, environment variables, and command line flags, and
// initializes global logging state based on those options.
func initializeConfig() (*config.Config, error) {
	// Fetch an initial config to get the config file path and read its
	// settings into viper.
	initialConfig, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}

	bs, err := readConfigFile(initialConfig.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err = mergeConfigBytesIntoViper(bs); err != nil {
		return nil, err
	}

	conf, err := getConfig(v.AllSettings())
	if err != nil {
		return nil, err
	}

	if err := check.Validate(conf); err != nil {
		return nil, err
	}

	logger.SetLogrus(conf.Log)
	return conf, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	isDefault := configPath == ""
	if isDefault {
		configPath = defaultConfigPath
	}

	var err error
	if _, err = os.Stat(configPath); err != nil {
		if isDefault && os.IsNotExist(err) {
			log.Warnf("no configuration file at %s, skipping", configPath)
			return nil, nil
		}
		return nil, errors.Wrap(err, "error finding configuration file")
	}
	bs, err := os.ReadFile(configPath) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}

func mergeConfigBytesIntoViper(bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "error unmarshal yaml configuration file")
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "error merge configuration to viper")
	}
	return nil
}

func getConfig(configMap map[string]interface{}) (*config.Config, error) {
	conf := config.DefaultConfig()
	bs, err := json.Marshal(configMap)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	if err = yaml.Unmarshal(bs, &conf); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}
	return conf, nil
}
