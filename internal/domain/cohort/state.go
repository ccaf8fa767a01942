package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cohort/cohort/internal/platform/fhirclient"
)

// Patient is one qualifying patient of a cohort.
type Patient struct {
	ID       string          `json:"id"`
	Resource json.RawMessage `json:"resource"`
}

// StopReason tells why a search stopped loading.
type StopReason string

const (
	StopCompleted    StopReason = "completed"
	StopMaxReached   StopReason = "max-reached"
	StopCancelled    StopReason = "cancelled"
	StopTimeout      StopReason = "timeout"
	StopError        StopReason = "error"
	StopAuthRequired StopReason = "auth-required"
)

// stopReasonFor classifies the error a search ended with.
func stopReasonFor(err error) StopReason {
	switch {
	case err == nil:
		return StopCompleted
	case errors.Is(err, errMaxReached):
		return StopMaxReached
	case errors.Is(err, context.Canceled), errors.Is(err, fhirclient.ErrAborted):
		return StopCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return StopTimeout
	case errors.Is(err, fhirclient.ErrAuthRequired):
		return StopAuthRequired
	default:
		return StopError
	}
}

// BranchEstimate is the cost computed for one branch of the tree.
type BranchEstimate struct {
	Branch    string `json:"branch"`
	Total     *int   `json:"total,omitempty"`
	Unbounded bool   `json:"unbounded,omitempty"`
}

func newBranchEstimate(branch string, cost float64) BranchEstimate {
	b := BranchEstimate{Branch: branch}
	if math.IsInf(cost, 1) {
		b.Unbounded = true
		return b
	}
	n := int(cost)
	b.Total = &n
	return b
}

// Stats is the synchronous progress readout of a search.
type Stats struct {
	Generation uint64           `json:"generation"`
	Loading    bool             `json:"loading"`
	Max        int              `json:"maxPatientCount"`
	Patients   int              `json:"patientCount"`
	Checked    int              `json:"checkedCount"`
	InFlight   int              `json:"inFlight"`
	Branches   []BranchEstimate `json:"branches,omitempty"`
	StopReason StopReason       `json:"stopReason,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
}

// State is the accumulated result of one search. Only the resolver driving
// the search writes to it; readers take snapshots.
type State struct {
	mu         sync.RWMutex
	generation uint64
	max        int
	loading    bool
	patients   []Patient
	processed  map[string]struct{}
	checked    int
	inFlight   int
	branches   []BranchEstimate
	err        error
	reason     StopReason
	startedAt  time.Time
	finishedAt time.Time
}

// NewState returns an empty state tagged with generation.
func NewState(generation uint64) *State {
	return &State{
		generation: generation,
		processed:  make(map[string]struct{}),
	}
}

func (s *State) begin(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = max
	s.loading = true
	s.startedAt = time.Now()
}

func (s *State) finish(reason StopReason, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	s.reason = reason
	s.err = err
	s.inFlight = 0
	s.finishedAt = time.Now()
}

func (s *State) recordEstimate(b BranchEstimate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches = append(s.branches, b)
}

func (s *State) addInFlight(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight += n
}

func (s *State) addChecked(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked += n
}

// isProcessed reports whether id has already been emitted.
func (s *State) isProcessed(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[id]
	return ok
}

// append adds the patients not emitted yet, up to the maximum, and returns
// the ones actually added.
func (s *State) append(batch []Patient) (added []Patient, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range batch {
		if s.max > 0 && len(s.patients) >= s.max {
			break
		}
		if _, dup := s.processed[p.ID]; dup {
			continue
		}
		s.processed[p.ID] = struct{}{}
		s.patients = append(s.patients, p)
		added = append(added, p)
	}
	return added, s.max > 0 && len(s.patients) >= s.max
}

// Generation returns the search generation this state belongs to.
func (s *State) Generation() uint64 { return s.generation }

// Len returns the number of patients found so far.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patients)
}

// Patients returns a copy of up to limit patients starting at offset.
func (s *State) Patients(offset, limit int) []Patient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.patients) {
		return []Patient{}
	}
	end := len(s.patients)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Patient, end-offset)
	copy(out, s.patients[offset:end])
	return out
}

// Err returns the error the search stopped with, if any.
func (s *State) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Generation: s.generation,
		Loading:    s.loading,
		Max:        s.max,
		Patients:   len(s.patients),
		Checked:    s.checked,
		InFlight:   s.inFlight,
		Branches:   append([]BranchEstimate(nil), s.branches...),
		StopReason: s.reason,
		StartedAt:  s.startedAt,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	if !s.finishedAt.IsZero() {
		t := s.finishedAt
		st.FinishedAt = &t
	}
	return st
}
