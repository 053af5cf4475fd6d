package monitor

import "sync"

// RunnerStatus is the status snapshot otp-runner uploads to the instance's
// web root while it builds or loads a graph. Each poll yields a fresh,
// independent snapshot.
type RunnerStatus struct {
	Error         bool   `json:"error"`
	Message       string `json:"message"`
	PctProgress   int    `json:"pctProgress"`
	GraphUploaded bool   `json:"graphUploaded"`
	ServerStarted bool   `json:"serverStarted"`
}

// JobStatus is the progress record for one monitor run. The owning monitor
// is the only writer; external observers (the status API) read snapshots
// concurrently.
type JobStatus struct {
	mu sync.RWMutex

	phase    string
	message  string
	percent  int
	err      bool
	complete bool
	note     string
}

// NewJobStatus returns a status record with an initial message.
func NewJobStatus(message string) *JobStatus {
	return &JobStatus{message: message}
}

// Update sets the progress message and percent.
func (s *JobStatus) Update(message string, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
	s.percent = percent
}

// Fail marks the job failed with the given message.
func (s *JobStatus) Fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
	s.err = true
	s.complete = true
}

// Complete marks the job successfully completed at 100%.
func (s *JobStatus) Complete(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
	s.percent = 100
	s.complete = true
}

// Note records a final informational note without touching the error or
// completion flags. Used by the finalizer after the job outcome is settled.
func (s *JobStatus) Note(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.note = note
}

func (s *JobStatus) advance(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
}

// Failed reports whether the job has been marked failed.
func (s *JobStatus) Failed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// JobSnapshot is a point-in-time copy of a job's status.
type JobSnapshot struct {
	Phase    string `json:"phase"`
	Message  string `json:"message"`
	Percent  int    `json:"percent"`
	Error    bool   `json:"error"`
	Complete bool   `json:"complete"`
	Note     string `json:"note,omitempty"`
}

// Snapshot returns a copy of the current status.
func (s *JobStatus) Snapshot() JobSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return JobSnapshot{
		Phase:    s.phase,
		Message:  s.message,
		Percent:  s.percent,
		Error:    s.err,
		Complete: s.complete,
		Note:     s.note,
	}
}
