// Package monitor implements the deployment-monitoring state machine for
// freshly launched OTP server instances. One Monitor watches one instance
// from "launched" through "serving traffic" (or "graph uploaded" for
// build-only deployments), aborts as soon as the instance reaches a terminal
// lifecycle state, and terminates the instance whenever the job fails.
package monitor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/model"
)

// Phase deadlines. These bound each wait independently of any
// transport-level timeout.
const (
	// maxStatusFileWait bounds the wait for otp-runner to produce its
	// first status file.
	maxStatusFileWait = 5 * time.Minute
	// maxRunnerWait bounds the wait for otp-runner to finish when the
	// instance has to build a graph.
	maxRunnerWait = time.Hour
	// maxRunnerWaitGraphBuilt bounds the wait when the graph was already
	// built elsewhere and only needs downloading and loading.
	maxRunnerWaitGraphBuilt = 5 * time.Hour
	// maxRouterWait bounds the wait for the trip planner router to answer.
	maxRouterWait = 20 * time.Minute
	// maxRegisterWait bounds the wait for the instance to appear in the
	// load-balancer target group.
	maxRegisterWait = 2 * time.Minute
)

type phase string

const (
	phaseAwaitingStatusFile       phase = "awaiting-status-file"
	phaseAwaitingRunnerCompletion phase = "awaiting-runner-completion"
	phaseAwaitingRouter           phase = "awaiting-router"
	phaseRegisteringWithLB        phase = "registering-with-load-balancer"
	phaseSucceeded                phase = "succeeded"
	phaseFailed                   phase = "failed"
)

// Cloud is the slice of the cloud control plane the monitor needs. It is
// satisfied by the aws package; tests substitute fakes.
type Cloud interface {
	InstanceHealth(instanceID string) (model.InstanceHealth, error)
	TerminateInstance(instanceID string) (*model.Instance, error)
	RegisterTarget(targetGroupArn, instanceID string) error
	TargetRegistered(targetGroupArn, instanceID string) (bool, error)
}

// Monitor drives the state machine for one instance. Create one per launched
// instance; monitors for different instances run independently.
type Monitor struct {
	id       string
	name     string
	deploy   *Deploy
	instance model.Instance
	cloud    Cloud
	status   *JobStatus
	http     *statusClient
	clock    clockwork.Clock
	delay    time.Duration

	statusFileDeadline  time.Duration
	runnerDeadlineFresh time.Duration
	runnerDeadlineBuilt time.Duration
	routerDeadline      time.Duration
	registerDeadline    time.Duration

	graphTaskSeconds int64
	syslog           *logrus.Entry
}

// New creates a monitor for one instance of the given deployment.
func New(deploy *Deploy, instance model.Instance, cloud Cloud) *Monitor {
	id := uuid.New().String()
	return &Monitor{
		id:       id,
		name:     fmt.Sprintf("Monitor server setup %s", instance.PublicIP),
		deploy:   deploy,
		instance: instance,
		cloud:    cloud,
		status:   NewJobStatus("Checking server status..."),
		http: newStatusClient(logrus.WithFields(logrus.Fields{
			"monitor": id, "instance": instance.ID,
		})),
		clock: clockwork.NewRealClock(),
		delay: defaultDelay,

		statusFileDeadline:  maxStatusFileWait,
		runnerDeadlineFresh: maxRunnerWait,
		runnerDeadlineBuilt: maxRunnerWaitGraphBuilt,
		routerDeadline:      maxRouterWait,
		registerDeadline:    maxRegisterWait,

		syslog: logrus.WithFields(logrus.Fields{
			"monitor": id, "instance": instance.ID,
		}),
	}
}

// Tunables overrides the fixed poll delay and phase deadlines. Zero values
// keep the defaults.
type Tunables struct {
	Delay                    time.Duration
	StatusFileDeadline       time.Duration
	RunnerDeadline           time.Duration
	RunnerDeadlineGraphBuilt time.Duration
	RouterDeadline           time.Duration
	RegisterDeadline         time.Duration
}

// Tune applies deadline overrides. Call before Run.
func (m *Monitor) Tune(t Tunables) {
	if t.Delay > 0 {
		m.delay = t.Delay
	}
	if t.StatusFileDeadline > 0 {
		m.statusFileDeadline = t.StatusFileDeadline
	}
	if t.RunnerDeadline > 0 {
		m.runnerDeadlineFresh = t.RunnerDeadline
	}
	if t.RunnerDeadlineGraphBuilt > 0 {
		m.runnerDeadlineBuilt = t.RunnerDeadlineGraphBuilt
	}
	if t.RouterDeadline > 0 {
		m.routerDeadline = t.RouterDeadline
	}
	if t.RegisterDeadline > 0 {
		m.registerDeadline = t.RegisterDeadline
	}
}

// ID returns the job id of this monitor run.
func (m *Monitor) ID() string { return m.id }

// Name returns the human-readable job name.
func (m *Monitor) Name() string { return m.name }

// InstanceID returns the monitored instance's id.
func (m *Monitor) InstanceID() string { return m.instance.ID }

// DeploymentID returns the owning deployment's id.
func (m *Monitor) DeploymentID() string { return m.deploy.DeploymentID }

// Snapshot returns a copy of the job's current status.
func (m *Monitor) Snapshot() JobSnapshot { return m.status.Snapshot() }

// GraphTaskSeconds returns how long the graph build/download took. Valid
// once the runner-completion phase has finished.
func (m *Monitor) GraphTaskSeconds() int64 { return m.graphTaskSeconds }

// Run executes the state machine and then the finalizer. It blocks until the
// job has succeeded or failed; the returned error is non-nil iff the job
// failed. Whatever the cause of a failure, the finalizer has already
// terminated the instance by the time Run returns.
func (m *Monitor) Run() error {
	m.runPhases()
	m.finalize()
	if m.status.Failed() {
		return errors.Errorf(
			"monitor for instance %s failed: %s", m.instance.ID, m.status.Snapshot().Message)
	}
	return nil
}

func (m *Monitor) runPhases() {
	if m.deploy.TargetGroupArn == "" {
		m.failJob("There is no load balancer under which to register the instance.")
		return
	}

	p := &poller{clock: m.clock, delay: m.delay, health: m.checkInstanceHealth, syslog: m.syslog}
	ipURL := "http://" + m.instance.PublicIP
	statusURL := fmt.Sprintf("%s/%s", ipURL, runnerStatusFile)

	// Wait for otp-runner to produce its first status file.
	m.advance(phaseAwaitingStatusFile)
	res, err := p.run(
		"otp-runner status file availability check: "+statusURL,
		m.statusFileDeadline,
		func() (bool, error) { return m.http.reachable(statusURL), nil },
	)
	if !m.phaseCompleted(res, err,
		"Job timed out while waiting for otp-runner to produce a status file!") {
		return
	}

	// Wait for a status that fulfills this job's completion rule.
	m.advance(phaseAwaitingRunnerCompletion)
	runnerStart := m.clock.Now()
	res, err = p.run(
		"otp-runner completion check: "+statusURL,
		m.runnerDeadline(),
		func() (bool, error) { return m.checkRunnerCompletion(statusURL) },
	)
	if !m.phaseCompleted(res, err, "Job timed out while waiting for otp-runner to finish!") {
		return
	}
	m.graphTaskSeconds = int64(m.clock.Since(runnerStart) / time.Second)
	message := fmt.Sprintf("Graph build/download completed in %d seconds!", m.graphTaskSeconds)
	m.syslog.Info(message)

	// A build-only instance's job ends here; it never serves traffic.
	if m.deploy.BuildOnly() {
		m.succeed(message)
		return
	}

	// The router answering means the graph load completed.
	routerURL := fmt.Sprintf("%s/%s", ipURL, routerPath)
	m.advance(phaseAwaitingRouter)
	res, err = p.run(
		"router to become available: "+routerURL,
		m.routerDeadline,
		func() (bool, error) { return m.http.reachable(routerURL), nil },
	)
	if !m.phaseCompleted(res, err,
		"Job timed out while waiting for the trip planner to start up.") {
		return
	}
	m.status.Update("Graph loaded!", 90)

	m.advance(phaseRegisteringWithLB)
	res, err = p.run(
		"instance to register with ELB target group",
		m.registerDeadline,
		m.registerWithTargetGroup,
	)
	if !m.phaseCompleted(res, err,
		"Job timed out while waiting to register the instance with the load balancer target group.") {
		return
	}

	m.succeed(fmt.Sprintf(
		"Server successfully registered with load balancer %s. OTP running at %s",
		m.deploy.TargetGroupArn, routerURL))
	m.deploy.IncrementCompletedServers()
}

func (m *Monitor) runnerDeadline() time.Duration {
	if m.deploy.GraphAlreadyBuilt {
		return m.runnerDeadlineBuilt
	}
	return m.runnerDeadlineFresh
}

// checkRunnerCompletion fetches the runner status and applies the completion
// rule: a build-only server is done once the graph is uploaded, any other
// server once OTP has started. A runner-reported error is a hard stop.
func (m *Monitor) checkRunnerCompletion(url string) (bool, error) {
	runnerStatus, err := m.http.fetchRunnerStatus(url)
	if err != nil {
		m.syslog.WithError(err).Error("otp-runner status not yet available")
		return false, nil
	}
	if runnerStatus.Error {
		return false, &runnerError{message: runnerStatus.Message}
	}
	m.status.Update(runnerStatus.Message, runnerStatus.PctProgress)
	if m.deploy.GraphAlreadyBuilt || !m.deploy.BuildOnly() {
		return runnerStatus.ServerStarted, nil
	}
	return runnerStatus.GraphUploaded, nil
}

// registerWithTargetGroup issues an idempotent register call and confirms by
// membership in the target group's health descriptions. Control-plane errors
// are retried on the next attempt.
func (m *Monitor) registerWithTargetGroup() (bool, error) {
	arn := m.deploy.TargetGroupArn
	if err := m.cloud.RegisterTarget(arn, m.instance.ID); err != nil {
		m.syslog.WithError(err).Warn("cannot register instance with target group")
		return false, nil
	}
	registered, err := m.cloud.TargetRegistered(arn, m.instance.ID)
	if err != nil {
		m.syslog.WithError(err).Warn("cannot describe target group health")
		return false, nil
	}
	if registered {
		m.syslog.Infof("instance %s successfully added to target group", m.instance.ID)
	}
	return registered, nil
}

func (m *Monitor) checkInstanceHealth() error {
	health, err := m.cloud.InstanceHealth(m.instance.ID)
	if err != nil {
		return err
	}
	if health.Terminal() {
		return &instanceHealthError{stateName: health.StateName}
	}
	return nil
}

func (m *Monitor) phaseCompleted(res pollResult, err error, timeoutMessage string) bool {
	switch res {
	case pollCompleted:
		return true
	case pollTimedOut:
		m.failJob(timeoutMessage)
		return false
	default:
		var healthErr *instanceHealthError
		if errors.As(err, &healthErr) {
			m.syslog.Error(err.Error())
			m.failJob("Instance was stopped or terminated before the job could complete!")
		} else {
			m.failJob(err.Error())
		}
		return false
	}
}

func (m *Monitor) advance(p phase) {
	m.status.advance(string(p))
	m.syslog.Infof("entering phase %s", p)
}

func (m *Monitor) succeed(message string) {
	m.advance(phaseSucceeded)
	m.status.Complete(message)
	jobsCompleted.WithLabelValues("succeeded").Inc()
	m.syslog.Infof("view logs at %s", m.deploy.RunnerLogPath(m.instance.ID))
}

// failJob funnels every fatal condition into one action: log the cause and
// fail the job with a message that names where the instance's own log was
// uploaded, since the instance may be gone by the time anyone reads it.
func (m *Monitor) failJob(message string) {
	m.syslog.Error(message)
	m.advance(phaseFailed)
	m.status.Fail(fmt.Sprintf(
		"%s Check logs at: %s", message, m.deploy.RunnerLogPath(m.instance.ID)))
	jobsCompleted.WithLabelValues("failed").Inc()
}

// finalize is the compensating action: a failed job leaves no instance
// behind. Terminating an already-terminated instance is a no-op, so the
// instance-health abort path is safe to finalize the same way.
func (m *Monitor) finalize() {
	if !m.status.Failed() {
		return
	}
	inst, err := m.cloud.TerminateInstance(m.instance.ID)
	if err != nil {
		m.syslog.WithError(err).Error("cannot terminate instance after failed job")
		return
	}
	instancesTerminated.Inc()
	if inst.State == model.Terminated {
		m.status.Note("Instance is terminated!")
	}
}
