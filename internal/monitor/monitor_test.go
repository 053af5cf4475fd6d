package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/model"
)

type fakeCloud struct {
	mu sync.Mutex

	healthSeq      []model.InstanceHealth
	healthCalls    int
	terminateState model.InstanceState
	terminations   int

	registerCalls   int
	targetCalls     int
	registeredAfter int
}

func (f *fakeCloud) InstanceHealth(instanceID string) (model.InstanceHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	if len(f.healthSeq) == 0 {
		return model.InstanceHealth{Known: true, State: model.Running, StateName: "running"}, nil
	}
	health := f.healthSeq[0]
	if len(f.healthSeq) > 1 {
		f.healthSeq = f.healthSeq[1:]
	}
	return health, nil
}

func (f *fakeCloud) TerminateInstance(instanceID string) (*model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminations++
	state := f.terminateState
	if state == "" {
		state = model.Terminated
	}
	return &model.Instance{ID: instanceID, State: state}, nil
}

func (f *fakeCloud) RegisterTarget(targetGroupArn, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	return nil
}

func (f *fakeCloud) TargetRegistered(targetGroupArn, instanceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targetCalls++
	return f.targetCalls > f.registeredAfter, nil
}

func (f *fakeCloud) counts() (healthCalls, terminations, registerCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls, f.terminations, f.registerCalls
}

// fakeInstance serves the otp-runner status file and router endpoint the way
// a booting OTP instance would.
type fakeInstance struct {
	mu           sync.Mutex
	statusBody   *RunnerStatus
	routerOnline bool
	statusGets   int

	server *httptest.Server
}

func newFakeInstance(t *testing.T) *fakeInstance {
	f := &fakeInstance{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/" + runnerStatusFile:
			if f.statusBody == nil {
				http.NotFound(w, r)
				return
			}
			f.statusGets++
			_ = json.NewEncoder(w).Encode(f.statusBody)
		case "/" + routerPath:
			if !f.routerOnline {
				http.NotFound(w, r)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeInstance) setStatus(status *RunnerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusBody = status
}

func (f *fakeInstance) setRouterOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routerOnline = online
}

func (f *fakeInstance) publicIP() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func newTestDeploy() *Deploy {
	return &Deploy{
		DeploymentID:   "deployment-1",
		S3FolderURI:    "s3://bucket/deployments/deployment-1",
		TargetGroupArn: "arn:aws:elasticloadbalancing:tg/otp",
	}
}

// newTestMonitor shrinks the poll delay and phase deadlines so failing
// phases resolve in milliseconds of wall-clock time.
func newTestMonitor(deploy *Deploy, inst *fakeInstance, cloud *fakeCloud) *Monitor {
	m := New(deploy, model.Instance{ID: "i-0abc", PublicIP: inst.publicIP()}, cloud)
	m.delay = time.Millisecond
	m.statusFileDeadline = 250 * time.Millisecond
	m.runnerDeadlineFresh = 2 * time.Second
	m.runnerDeadlineBuilt = 2 * time.Second
	m.routerDeadline = 2 * time.Second
	m.registerDeadline = 2 * time.Second
	return m
}

func TestFullSuccessPath(t *testing.T) {
	inst := newFakeInstance(t)
	inst.setStatus(&RunnerStatus{Message: "Loading graph...", PctProgress: 50})
	inst.setRouterOnline(true)
	cloud := &fakeCloud{registeredAfter: 1}
	deploy := newTestDeploy()
	m := newTestMonitor(deploy, inst, cloud)

	go func() {
		// Let a couple of progress polls happen before the runner reports
		// the server online.
		time.Sleep(20 * time.Millisecond)
		inst.setStatus(&RunnerStatus{
			Message: "Server started", PctProgress: 100, ServerStarted: true,
		})
	}()

	require.NoError(t, m.Run())

	snapshot := m.Snapshot()
	require.False(t, snapshot.Error)
	require.True(t, snapshot.Complete)
	require.Equal(t, 100, snapshot.Percent)
	require.Contains(t, snapshot.Message, deploy.TargetGroupArn)
	require.Contains(t, snapshot.Message, "/"+routerPath)
	require.Equal(t, string(phaseSucceeded), snapshot.Phase)

	require.Equal(t, int64(1), deploy.CompletedServers())
	_, terminations, registerCalls := cloud.counts()
	require.Zero(t, terminations)
	require.GreaterOrEqual(t, registerCalls, 1)
}

func TestBuildOnlyCompletesOnGraphUploaded(t *testing.T) {
	inst := newFakeInstance(t)
	inst.setStatus(&RunnerStatus{
		Message: "Graph uploaded", PctProgress: 100,
		GraphUploaded: true, ServerStarted: false,
	})
	cloud := &fakeCloud{}
	deploy := newTestDeploy()
	deploy.BuildGraphOnly = true
	m := newTestMonitor(deploy, inst, cloud)

	require.NoError(t, m.Run())

	snapshot := m.Snapshot()
	require.True(t, snapshot.Complete)
	require.False(t, snapshot.Error)
	require.Contains(t, snapshot.Message, "Graph build/download completed")

	// A build-only server never touches the load balancer or the
	// completed-servers counter.
	require.Zero(t, deploy.CompletedServers())
	_, terminations, registerCalls := cloud.counts()
	require.Zero(t, terminations)
	require.Zero(t, registerCalls)
}

func TestServingServerIgnoresGraphUploaded(t *testing.T) {
	inst := newFakeInstance(t)
	// graphUploaded alone must not complete a non-build-only server.
	inst.setStatus(&RunnerStatus{Message: "Graph uploaded", GraphUploaded: true})
	cloud := &fakeCloud{}
	deploy := newTestDeploy()
	m := newTestMonitor(deploy, inst, cloud)
	m.runnerDeadlineFresh = 100 * time.Millisecond

	require.Error(t, m.Run())
	snapshot := m.Snapshot()
	require.True(t, snapshot.Error)
	require.Contains(t, snapshot.Message, "waiting for otp-runner to finish")
}

func TestRunnerReportedErrorFailsImmediately(t *testing.T) {
	inst := newFakeInstance(t)
	inst.setStatus(&RunnerStatus{
		Error: true, Message: "graph build failed: out of memory", PctProgress: 40,
	})
	cloud := &fakeCloud{}
	deploy := newTestDeploy()
	m := newTestMonitor(deploy, inst, cloud)

	require.Error(t, m.Run())

	snapshot := m.Snapshot()
	require.True(t, snapshot.Error)
	require.Contains(t, snapshot.Message, "graph build failed: out of memory")
	require.Contains(t, snapshot.Message, deploy.RunnerLogPath("i-0abc"))

	_, terminations, _ := cloud.counts()
	require.Equal(t, 1, terminations)
	require.Equal(t, "Instance is terminated!", snapshot.Note)
}

func TestStatusFileTimeout(t *testing.T) {
	inst := newFakeInstance(t) // never serves a status file
	cloud := &fakeCloud{}
	deploy := newTestDeploy()
	m := newTestMonitor(deploy, inst, cloud)
	m.statusFileDeadline = 50 * time.Millisecond

	require.Error(t, m.Run())

	snapshot := m.Snapshot()
	require.True(t, snapshot.Error)
	require.Contains(t, snapshot.Message, "status file")
	require.Contains(t, snapshot.Message, "Check logs at: "+deploy.RunnerLogPath("i-0abc"))

	_, terminations, _ := cloud.counts()
	require.Equal(t, 1, terminations)
}

func TestTerminalInstanceStateAbortsAnyPhase(t *testing.T) {
	inst := newFakeInstance(t) // status file never appears; phase would run 10s
	cloud := &fakeCloud{
		healthSeq: []model.InstanceHealth{
			{Known: true, State: model.Running, StateName: "running"},
			{Known: true, State: model.Running, StateName: "running"},
			{Known: true, State: model.Stopped, StateName: "stopped"},
		},
	}
	deploy := newTestDeploy()
	m := newTestMonitor(deploy, inst, cloud)
	m.statusFileDeadline = 10 * time.Second

	start := time.Now()
	require.Error(t, m.Run())
	require.Less(t, time.Since(start), 5*time.Second)

	snapshot := m.Snapshot()
	require.True(t, snapshot.Error)
	require.Contains(t, snapshot.Message, "stopped or terminated")

	_, terminations, _ := cloud.counts()
	require.Equal(t, 1, terminations)
}

func TestUnknownInstanceTreatedAsHealthy(t *testing.T) {
	inst := newFakeInstance(t)
	inst.setStatus(&RunnerStatus{Message: "done", ServerStarted: true})
	inst.setRouterOnline(true)
	// The control plane briefly omits the instance from the response.
	cloud := &fakeCloud{healthSeq: []model.InstanceHealth{{Known: false}}}
	deploy := newTestDeploy()
	m := newTestMonitor(deploy, inst, cloud)

	require.NoError(t, m.Run())
	require.True(t, m.Snapshot().Complete)
}

func TestMissingTargetGroupFailsBeforePolling(t *testing.T) {
	inst := newFakeInstance(t)
	cloud := &fakeCloud{}
	deploy := newTestDeploy()
	deploy.TargetGroupArn = ""
	m := newTestMonitor(deploy, inst, cloud)

	require.Error(t, m.Run())

	snapshot := m.Snapshot()
	require.True(t, snapshot.Error)
	require.Contains(t, snapshot.Message, "load balancer")

	healthCalls, terminations, _ := cloud.counts()
	require.Zero(t, healthCalls)
	require.Equal(t, 1, terminations)
}

func TestRunnerProgressRelayedToJobStatus(t *testing.T) {
	inst := newFakeInstance(t)
	inst.setStatus(&RunnerStatus{Message: "Building graph...", PctProgress: 30})
	cloud := &fakeCloud{}
	m := newTestMonitor(newTestDeploy(), inst, cloud)

	statusURL := "http://" + inst.publicIP() + "/" + runnerStatusFile
	done, err := m.checkRunnerCompletion(statusURL)
	require.NoError(t, err)
	require.False(t, done)

	snapshot := m.Snapshot()
	require.Equal(t, "Building graph...", snapshot.Message)
	require.Equal(t, 30, snapshot.Percent)
}

func TestGraphAlreadyBuiltUsesServerStartedRule(t *testing.T) {
	inst := newFakeInstance(t)
	inst.setStatus(&RunnerStatus{Message: "loaded", ServerStarted: true})
	deploy := newTestDeploy()
	deploy.GraphAlreadyBuilt = true
	deploy.HasSeparateGraphBuild = true
	m := newTestMonitor(deploy, inst, &fakeCloud{})

	// With a pre-built graph the split build/serve roles do not make this
	// instance build-only; it completes on serverStarted.
	statusURL := "http://" + inst.publicIP() + "/" + runnerStatusFile
	done, err := m.checkRunnerCompletion(statusURL)
	require.NoError(t, err)
	require.True(t, done)
}
