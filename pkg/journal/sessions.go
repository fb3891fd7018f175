package journal

import (
	"context"
	"time"

	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/observability"
	"github.com/newtron-network/metalnet/pkg/util"
)

// sessionCache holds one session per switch for a single drain pass.
type sessionCache struct {
	resolve  driver.Resolver
	timeout  time.Duration
	metrics  *observability.WorkerCollector
	sessions map[string]driver.Session
}

func newSessionCache(resolve driver.Resolver, timeout time.Duration, metrics *observability.WorkerCollector) *sessionCache {
	return &sessionCache{
		resolve:  resolve,
		timeout:  timeout,
		metrics:  metrics,
		sessions: make(map[string]driver.Session),
	}
}

// get returns the cached session for rec, opening one on first use
func (c *sessionCache) get(ctx context.Context, rec *model.Switch) (driver.Session, error) {
	if s, ok := c.sessions[rec.Label]; ok {
		return s, nil
	}
	sw, err := c.resolve(rec)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	s, err := sw.Session(openCtx)
	c.metrics.ObserveSession(rec.Type, err)
	if err != nil {
		return nil, err
	}
	util.WithSwitch(rec.Label).Debug("Switch session opened")
	c.sessions[rec.Label] = s
	return s, nil
}

// evict disconnects and forgets the session for a switch
func (c *sessionCache) evict(label string) {
	s, ok := c.sessions[label]
	if !ok {
		return
	}
	delete(c.sessions, label)
	if err := s.Disconnect(); err != nil {
		util.WithSwitch(label).WithError(err).Debug("Disconnecting failed session")
	}
}

// closeAll disconnects every cached session
func (c *sessionCache) closeAll() {
	for label := range c.sessions {
		c.evict(label)
	}
}
