package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Manager runs one Camera per configured source. Cameras are independent: a
// camera whose source ends stops on its own while the others keep running.
type Manager struct {
	cameras []*Camera
	byID    map[string]*Camera
	log     zerolog.Logger
}

func NewManager(log zerolog.Logger, cameras ...*Camera) (*Manager, error) {
	m := &Manager{
		byID: make(map[string]*Camera, len(cameras)),
		log:  log,
	}
	for _, c := range cameras {
		if _, dup := m.byID[c.ID()]; dup {
			return nil, fmt.Errorf("camera %q registered twice", c.ID())
		}
		m.byID[c.ID()] = c
		m.cameras = append(m.cameras, c)
	}
	return m, nil
}

// Run blocks until every camera has stopped. The first lifecycle error from a
// camera cancels the others and is returned.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.cameras {
		c := c
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	m.log.Info().Int("cameras", len(m.cameras)).Msg("pipelines started")
	err := g.Wait()
	if err != nil {
		m.log.Error().Err(err).Msg("pipelines stopped with error")
		return err
	}
	m.log.Info().Msg("pipelines stopped")
	return nil
}

func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.cameras))
	for _, c := range m.cameras {
		out = append(out, c.Status())
	}
	return out
}

func (m *Manager) Camera(id string) (*Camera, bool) {
	c, ok := m.byID[id]
	return c, ok
}
