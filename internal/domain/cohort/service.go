package cohort

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cohort/cohort/internal/domain/criteria"
	"github.com/cohort/cohort/internal/domain/querybuilder"
	"github.com/cohort/cohort/internal/platform/websocket"
)

// Topic is the websocket topic search events are published on.
const Topic = "cohort"

// Event types published on Topic.
const (
	EventPatients = "patients"
	EventProgress = "progress"
	EventDone     = "done"
	EventError    = "error"
)

// ErrNoSearch is returned when no search has been started.
var ErrNoSearch = errors.New("cohort: no search")

// RequestCanceller drops queued upstream requests and clears cached
// responses. *fhirclient.Client implements it.
type RequestCanceller interface {
	ClearPendingRequests() int
	ClearCache(ctx context.Context, name string) error
}

// Search is one started cohort search.
type Search struct {
	ID         uuid.UUID
	Generation uint64
	State      *State

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the search stops.
func (s *Search) Done() <-chan struct{} { return s.done }

// Service runs at most one search at a time. Starting a search supersedes
// the previous one; events of a superseded search are never published.
type Service struct {
	resolver  *Resolver
	qb        *querybuilder.Builder
	requests  RequestCanceller
	publisher websocket.EventPublisher
	logger    zerolog.Logger

	mu         sync.Mutex
	generation uint64
	current    *Search
}

// NewService wires a Service. requests and publisher may be nil.
func NewService(resolver *Resolver, qb *querybuilder.Builder, requests RequestCanceller, publisher websocket.EventPublisher, logger zerolog.Logger) *Service {
	return &Service{
		resolver:  resolver,
		qb:        qb,
		requests:  requests,
		publisher: publisher,
		logger:    logger.With().Str("component", "cohort-service").Logger(),
	}
}

// Start plans tree and runs it in the background, superseding any running
// search. Planning errors are returned synchronously.
func (s *Service) Start(tree criteria.Node, max int) (*Search, error) {
	if max <= 0 {
		return nil, ErrInvalidMax
	}
	plan, err := s.resolver.Plan(tree)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.current
	s.generation++
	search := &Search{
		ID:         uuid.New(),
		Generation: s.generation,
		State:      NewState(s.generation),
		done:       make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	search.cancel = cancel
	s.current = search
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		if s.requests != nil {
			if n := s.requests.ClearPendingRequests(); n > 0 {
				s.logger.Debug().Int("dropped", n).Uint64("generation", prev.Generation).Msg("dropped queued requests of superseded search")
			}
		}
	}

	s.logger.Info().Str("search_id", search.ID.String()).Uint64("generation", search.Generation).Int("max", max).Msg("starting cohort search")
	go s.run(ctx, search, plan, max)
	return search, nil
}

func (s *Service) run(ctx context.Context, search *Search, plan *Plan, max int) {
	defer close(search.done)
	defer search.cancel()

	sink := func(batch []Patient) {
		s.publish(search, EventPatients, batch)
		s.publish(search, EventProgress, search.State.Stats())
	}
	err := s.resolver.Execute(ctx, plan, max, search.State, sink)

	stats := search.State.Stats()
	switch stats.StopReason {
	case StopError, StopAuthRequired:
		s.publish(search, EventError, stats)
	case StopCancelled:
		// superseded or cancelled by the user; nothing to report
	default:
		s.publish(search, EventDone, stats)
	}
	if err != nil && stats.StopReason != StopCancelled {
		s.logger.Warn().Err(err).Str("search_id", search.ID.String()).Msg("cohort search failed")
	}
}

// publish sends an event unless search has been superseded.
func (s *Service) publish(search *Search, typ string, data interface{}) {
	if s.publisher == nil || !s.isCurrent(search) {
		return
	}
	ev, err := websocket.NewEvent(Topic, typ, search.ID.String(), search.Generation, data)
	if err != nil {
		s.logger.Error().Err(err).Str("type", typ).Msg("failed to build event")
		return
	}
	if err := s.publisher.Publish(context.Background(), ev); err != nil {
		s.logger.Error().Err(err).Str("type", typ).Msg("failed to publish event")
	}
}

func (s *Service) isCurrent(search *Search) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == search
}

// Current returns the most recently started search.
func (s *Service) Current() (*Search, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoSearch
	}
	return s.current, nil
}

// Cancel stops the current search. Patients found so far stay available.
func (s *Service) Cancel() error {
	search, err := s.Current()
	if err != nil {
		return err
	}
	search.cancel()
	if s.requests != nil {
		s.requests.ClearPendingRequests()
	}
	return nil
}

// Wait blocks until the current search stops or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	search, err := s.Current()
	if err != nil {
		return err
	}
	select {
	case <-search.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile returns the query fragment of one criterion, for previews.
func (s *Service) Compile(resourceType string, c criteria.Criterion) (string, error) {
	return s.qb.Compile(resourceType, c)
}

// ClearCache drops a cached response partition.
func (s *Service) ClearCache(ctx context.Context, name string) error {
	if s.requests == nil {
		return nil
	}
	return s.requests.ClearCache(ctx, name)
}

// Close cancels the current search and waits up to timeout for it to stop.
func (s *Service) Close(timeout time.Duration) {
	search, err := s.Current()
	if err != nil {
		return
	}
	search.cancel()
	select {
	case <-search.done:
	case <-time.After(timeout):
		s.logger.Warn().Str("search_id", search.ID.String()).Msg("search did not stop in time")
	}
}
