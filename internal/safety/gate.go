// Package safety holds the data movement gate and the settlement wait.
package safety

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/ceph"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
)

// Gate is a held data movement gate. While held, backfill and recovery are
// suppressed cluster-wide. Release must run on every exit path.
type Gate struct {
	plane  ceph.ControlPlane
	logger logging.Logger

	once sync.Once
	mu   sync.Mutex
	held bool
	err  error
}

// Enter sets the gate. If setting fails part way, the flags that may have
// been set are cleared before the error is returned.
func Enter(ctx context.Context, plane ceph.ControlPlane, logger logging.Logger) (*Gate, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	g := &Gate{plane: plane, logger: logger.Named("gate")}

	if err := plane.SetDataMovementGate(ctx, true); err != nil {
		cleanup := plane.SetDataMovementGate(context.WithoutCancel(ctx), false)
		return nil, errors.Join(err, cleanup)
	}

	g.held = true
	g.logger.Info(ctx, "Data movement gate set")
	return g, nil
}

// Release unsets the gate. Only the first call talks to the cluster; later
// calls return its result. The caller's cancellation is ignored.
func (g *Gate) Release(ctx context.Context) error {
	g.once.Do(func() {
		ctx := context.WithoutCancel(ctx)
		err := g.plane.SetDataMovementGate(ctx, false)

		g.mu.Lock()
		g.err = err
		g.held = err != nil
		g.mu.Unlock()

		if err != nil {
			g.logger.Error(ctx, "Failed to release data movement gate", zap.Error(err))
			return
		}
		g.logger.Info(ctx, "Data movement gate released")
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Held reports whether the gate is still set
func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
