package mutable

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

type opStatus struct {
	mu           sync.Mutex
	id           string
	storageIndex string
	started      time.Time
	finished     time.Time
	active       bool
	status       string
	progress     float64
	serverTimes  map[string][]time.Duration
	timings      map[string]time.Duration
}

func (s *opStatus) init(storageIndex []byte) {
	s.id = uuid.NewString()
	s.storageIndex = hashutil.B2A(storageIndex)
	s.started = time.Now()
	s.active = true
	s.status = "Started"
	s.serverTimes = make(map[string][]time.Duration)
	s.timings = make(map[string]time.Duration)
}

// ID is the operation id used in log lines.
func (s *opStatus) ID() string { return s.id }

// StorageIndex is the base32 storage index of the file.
func (s *opStatus) StorageIndex() string { return s.storageIndex }

// Started returns the start time.
func (s *opStatus) Started() time.Time { return s.started }

// Finished returns the completion time, or the zero time while active.
func (s *opStatus) Finished() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Active reports whether the operation is still running.
func (s *opStatus) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Status is a short human-readable state.
func (s *opStatus) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress is between 0 and 1.
func (s *opStatus) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// ServerTimes returns per-peer RPC latencies.
func (s *opStatus) ServerTimes() map[string][]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]time.Duration, len(s.serverTimes))
	for k, v := range s.serverTimes {
		out[k] = append([]time.Duration(nil), v...)
	}
	return out
}

// Timings returns named phase durations.
func (s *opStatus) Timings() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.timings))
	for k, v := range s.timings {
		out[k] = v
	}
	return out
}

func (s *opStatus) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *opStatus) setProgress(p float64) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

func (s *opStatus) addServerTime(peer string, d time.Duration) {
	s.mu.Lock()
	s.serverTimes[peer] = append(s.serverTimes[peer], d)
	s.mu.Unlock()
}

func (s *opStatus) setTiming(name string, d time.Duration) {
	s.mu.Lock()
	s.timings[name] = d
	s.mu.Unlock()
}

func (s *opStatus) finish(status string) {
	s.mu.Lock()
	s.active = false
	s.finished = time.Now()
	s.status = status
	s.timings["total"] = s.finished.Sub(s.started)
	s.mu.Unlock()
}

// UpdateStatus describes one servermap update.
type UpdateStatus struct {
	opStatus
	Mode Mode

	privkeyFrom string
}

// PrivkeyFrom names the peer the private key was recovered from, if any.
func (s *UpdateStatus) PrivkeyFrom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privkeyFrom
}

func (s *UpdateStatus) setPrivkeyFrom(peer string) {
	s.mu.Lock()
	s.privkeyFrom = peer
	s.mu.Unlock()
}

// PublishStatus describes one publish.
type PublishStatus struct {
	opStatus
	K, N   int
	Size   int
	Seqnum uint64
}

// RetrieveStatus describes one retrieve.
type RetrieveStatus struct {
	opStatus
	Version VersionInfo
}
