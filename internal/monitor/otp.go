package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// runnerStatusFile is the name under which otp-runner serves its status
// snapshot from the instance's web root.
const runnerStatusFile = "status.json"

// routerPath is the OTP endpoint that answers once the graph is loaded.
const routerPath = "otp/routers/default"

// statusClient performs best-effort GETs against an instance's self-reported
// status endpoints. Transport failures are expected while the instance boots
// and are folded into "not yet available" results instead of propagating.
type statusClient struct {
	client *http.Client
	syslog *logrus.Entry
}

func newStatusClient(syslog *logrus.Entry) *statusClient {
	return &statusClient{
		// Per-request timeout; phase deadlines are enforced by the poll
		// loop independently of the transport.
		client: &http.Client{Timeout: 15 * time.Second},
		syslog: syslog,
	}
}

// reachable reports whether the URL answers with HTTP 200. The response body
// is always drained so the underlying connection can be reused.
func (c *statusClient) reachable(url string) bool {
	resp, err := c.client.Get(url)
	if err != nil {
		c.syslog.WithError(err).Debugf("could not complete request to %s", url)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// fetchRunnerStatus GETs and decodes the otp-runner status document. Any
// transport or decode failure is returned as an error the caller treats as
// "not yet available".
func (c *statusClient) fetchRunnerStatus(url string) (*RunnerStatus, error) {
	resp, err := c.client.Get(url)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get otp-runner status from %s", url)
	}
	defer resp.Body.Close()
	var status RunnerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.Wrapf(err, "could not decode otp-runner status from %s", url)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return &status, nil
}
