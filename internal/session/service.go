package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"metro-timeline/internal/engine"
	"metro-timeline/internal/render"
)

// Canvas is the requested surface of a new session. Width and Height times
// DPR must also stay within render.MaxDevicePixels.
type Canvas struct {
	Width  int     `json:"width" validate:"gt=0,lte=8192"`
	Height int     `json:"height" validate:"gt=0,lte=8192"`
	DPR    float64 `json:"dpr" validate:"gte=0,lte=4"`
}

// EngineFactory builds the engine of a new session. obs receives its
// notifications.
type EngineFactory func(c Canvas, obs engine.Observer) (*engine.Engine, error)

// Service creates and tears down sessions and delegates storage to Repository.
type Service struct {
	repo    Repository
	factory EngineFactory
	log     *slog.Logger
	now     func() time.Time
}

// NewService returns a Service storing sessions in repo.
func NewService(repo Repository, factory EngineFactory, log *slog.Logger) *Service {
	return &Service{repo: repo, factory: factory, log: log, now: time.Now}
}

// Create starts a new session with an idle engine.
func (s *Service) Create(c Canvas) (*Session, error) {
	if err := render.CheckSize(c.Width, c.Height, c.DPR); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sess := &Session{
		ID:        ID(uuid.NewString()),
		CreatedAt: s.now().UTC(),
	}
	eng, err := s.factory(c, sess)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sess.Engine = eng
	s.repo.Add(sess)

	s.log.Info("session created",
		slog.String("session_id", string(sess.ID)),
		slog.Int("width", c.Width),
		slog.Int("height", c.Height))
	return sess, nil
}

// Get returns an open session.
func (s *Service) Get(id ID) (*Session, error) {
	return s.repo.Get(id)
}

// List returns the ids of open sessions in creation order.
func (s *Service) List() []ID {
	return s.repo.List()
}

// Do runs fn against the session's engine.
func (s *Service) Do(id ID, fn func(*engine.Engine) error) (*Session, error) {
	sess, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess.Engine); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close destroys the session's engine and forgets the session.
func (s *Service) Close(id ID) error {
	sess, err := s.repo.Close(id)
	if err != nil {
		return err
	}
	sess.Engine.Destroy()
	s.log.Info("session closed", slog.String("session_id", string(id)))
	return nil
}

// CloseAll destroys every open session.
func (s *Service) CloseAll() {
	for _, id := range s.repo.List() {
		_ = s.Close(id)
	}
}

// RebuildAll re-runs the plan builder of every open session.
func (s *Service) RebuildAll() int {
	n := 0
	for _, id := range s.repo.List() {
		if _, err := s.Do(id, (*engine.Engine).Rebuild); err == nil {
			n++
		}
	}
	return n
}

// ActiveSessionCount returns the number of open sessions.
func (s *Service) ActiveSessionCount() int {
	return s.repo.ActiveSessionCount()
}

// TileEntries sums cached tiles across open sessions.
func (s *Service) TileEntries() int {
	total := 0
	for _, id := range s.repo.List() {
		if sess, err := s.repo.Get(id); err == nil {
			total += sess.Engine.TileCount()
		}
	}
	return total
}
