package monitor

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// defaultDelay is the pause between poll attempts. Four seconds gives the
// instance's user-data script time to upload its log if part of the script
// fails, while keeping the request volume against polled endpoints low.
const defaultDelay = 4 * time.Second

type pollResult int

const (
	pollCompleted pollResult = iota
	pollTimedOut
	pollAborted
)

// instanceHealthError reports that the monitored instance reached a terminal
// lifecycle state. It aborts whichever phase observes it.
type instanceHealthError struct {
	stateName string
}

func (e *instanceHealthError) Error() string {
	return fmt.Sprintf("instance state no longer healthy! It changed to: %s", e.stateName)
}

// runnerError carries a failure the otp-runner process reported about
// itself. The message is surfaced to the job verbatim.
type runnerError struct {
	message string
}

func (e *runnerError) Error() string {
	return e.message
}

// poller repeats an action with a fixed delay until the action succeeds, the
// deadline elapses, or a health check observes a terminal instance state.
// The health check runs before and after every delay so a terminated
// instance is noticed within one delay interval rather than after a full
// phase deadline.
type poller struct {
	clock  clockwork.Clock
	delay  time.Duration
	health func() error
	syslog *logrus.Entry
}

// run drives one phase. The action returns (done, err); a non-nil error is a
// hard stop (e.g. a runner-reported failure) surfaced as pollAborted. A
// transient error from the health check is logged and treated as healthy;
// only an instanceHealthError aborts.
func (p *poller) run(
	waitingFor string, deadline time.Duration, action func() (bool, error),
) (pollResult, error) {
	start := p.clock.Now()
	if err := p.checkHealth(); err != nil {
		return pollAborted, err
	}
	for {
		done, err := action()
		if err != nil {
			return pollAborted, err
		}
		if done {
			return pollCompleted, nil
		}
		if p.clock.Since(start) > deadline {
			return pollTimedOut, nil
		}
		if err := p.wait(waitingFor); err != nil {
			return pollAborted, err
		}
	}
}

// wait sleeps for one delay interval, checking instance health on both
// sides of the sleep.
func (p *poller) wait(waitingFor string) error {
	if err := p.checkHealth(); err != nil {
		return err
	}
	p.syslog.Infof("waiting %v for %s", p.delay, waitingFor)
	p.clock.Sleep(p.delay)
	return p.checkHealth()
}

func (p *poller) checkHealth() error {
	err := p.health()
	if err == nil {
		return nil
	}
	var healthErr *instanceHealthError
	if errors.As(err, &healthErr) {
		return err
	}
	// Transient control-plane failure; retrying is bounded by the phase
	// deadline.
	p.syslog.WithError(err).Warn("instance health check failed transiently")
	return nil
}
