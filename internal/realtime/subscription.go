package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/simplechat/internal/backend"
	"github.com/matheus3301/simplechat/internal/bus"
)

// subscription filters bus row events through its scope. Its generation
// starts at the hub generation and increases on every hub resync and every
// time the bus dropped events for it; each increase is delivered as a
// resync change.
type subscription struct {
	id     string
	scope  backend.Scope
	ch     chan backend.Change
	rows   *bus.Subscription
	resync *bus.Subscription
	gen    uint64
	logger *zap.Logger

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (s *subscription) ID() string                     { return s.id }
func (s *subscription) Changes() <-chan backend.Change { return s.ch }

func (s *subscription) run() {
	defer close(s.stopped)
	defer close(s.ch)

	var dropped uint64
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.rows.C:
			if d := s.rows.Dropped(); d != dropped {
				s.logger.Warn("subscription lagged, requesting resync",
					zap.String("table", s.scope.Table), zap.Uint64("dropped", d-dropped))
				dropped = d
				if !s.bumpGeneration() {
					return
				}
			}
			c, ok := evt.Payload.(backend.Change)
			if !ok || !s.scope.Wants(c) {
				continue
			}
			c.Generation = s.gen
			if !s.emit(c) {
				return
			}
		case <-s.resync.C:
			if !s.bumpGeneration() {
				return
			}
		}
	}
}

func (s *subscription) bumpGeneration() bool {
	s.gen++
	return s.emit(backend.Change{Table: s.scope.Table, Type: backend.EventResync, Generation: s.gen})
}

func (s *subscription) emit(c backend.Change) bool {
	select {
	case s.ch <- c:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		s.rows.Close()
		s.resync.Close()
		<-s.stopped
	})
}
