package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-photo-finder/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultNoMatchesMessage = "No matches were found for your photo."
	ConnectivityMessage     = "An error occurred. Could not connect to the backend server."
)

var (
	ErrSearchInFlight = errors.New("a search is already in progress")
	ErrClosed         = errors.New("orchestrator is closed")
)

// TransportError is any failure of the search call: network, status,
// malformed body or cancellation.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("search request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Searcher sends a normalized image to the matching service.
type Searcher interface {
	Search(ctx context.Context, blob models.ImageBlob) (*models.SearchResponse, error)
}

type Option func(*Orchestrator)

// WithSubmitDelay pauses before each request is sent.
func WithSubmitDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.delay = d }
}

// Orchestrator owns the idle -> loading -> results lifecycle.
type Orchestrator struct {
	client Searcher
	delay  time.Duration

	mu         sync.Mutex
	state      models.SearchState
	generation uint64
	closed     bool
	observers  map[int]func(models.SearchState)
	nextObs    int
}

func New(client Searcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:    client,
		state:     initialState(),
		observers: make(map[int]func(models.SearchState)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func initialState() models.SearchState {
	return models.SearchState{Phase: models.PhaseIdle, Matches: []models.PhotoMatch{}}
}

// State returns a copy of the current state.
func (o *Orchestrator) State() models.SearchState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Subscribe registers fn for state changes and returns a function removing it.
// Observers run on the goroutine that caused the change, outside the lock.
func (o *Orchestrator) Subscribe(fn func(models.SearchState)) func() {
	o.mu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.observers, id)
		o.mu.Unlock()
	}
}

// setLocked replaces the state; the returned func notifies observers and must
// be called after unlocking.
func (o *Orchestrator) setLocked(next models.SearchState) func() {
	o.state = next
	snapshot := next.Clone()
	fns := make([]func(models.SearchState), 0, len(o.observers))
	for id := 0; id < o.nextObs; id++ {
		if fn, ok := o.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	return func() {
		for _, fn := range fns {
			fn(snapshot.Clone())
		}
	}
}

// Submit runs one search for blob. A nil blob is ignored. The returned error
// is informational; State is the source of truth.
func (o *Orchestrator) Submit(ctx context.Context, blob *models.ImageBlob) error {
	if blob == nil {
		return nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.state.Phase == models.PhaseLoading {
		o.mu.Unlock()
		return ErrSearchInFlight
	}
	o.generation++
	gen := o.generation
	searchID := uuid.NewString()
	notify := o.setLocked(models.SearchState{
		Phase:    models.PhaseLoading,
		Matches:  []models.PhotoMatch{},
		SearchID: searchID,
	})
	o.mu.Unlock()
	notify()

	logger := log.WithFields(log.Fields{"searchId": searchID, "bytes": blob.Size()})
	logger.Info("Submitting photo for matching")

	resp, err := o.send(ctx, *blob)

	o.mu.Lock()
	if o.closed || gen != o.generation {
		o.mu.Unlock()
		logger.Debug("Discarding result of abandoned search")
		return err
	}

	var next models.SearchState
	if err != nil {
		logger.WithError(err).Error("Search failed")
		next = initialState()
		next.ErrorMessage = ConnectivityMessage
	} else {
		next = models.SearchState{
			Phase:    models.PhaseResults,
			Matches:  append([]models.PhotoMatch{}, resp.Matches...),
			SearchID: searchID,
		}
		if len(next.Matches) == 0 {
			next.ErrorMessage = resp.Note
			if next.ErrorMessage == "" {
				next.ErrorMessage = DefaultNoMatchesMessage
			}
		}
		logger.Infof("Search finished with %d matches", len(next.Matches))
	}
	notify = o.setLocked(next)
	o.mu.Unlock()
	notify()
	return err
}

func (o *Orchestrator) send(ctx context.Context, blob models.ImageBlob) (*models.SearchResponse, error) {
	if o.delay > 0 {
		timer := time.NewTimer(o.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &TransportError{Err: ctx.Err()}
		case <-timer.C:
		}
	}
	resp, err := o.client.Search(ctx, blob)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp == nil {
		return nil, &TransportError{Err: errors.New("empty search response")}
	}
	return resp, nil
}

// ReturnHome resets to the initial state from any phase. A search still in
// flight is abandoned and its result dropped.
func (o *Orchestrator) ReturnHome() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.generation++
	notify := o.setLocked(initialState())
	o.mu.Unlock()
	notify()
}

// Close drops observers and makes any late result a no-op.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.generation++
	o.observers = make(map[int]func(models.SearchState))
}
