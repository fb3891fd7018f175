package netapi

import (
	"time"

	"github.com/newtron-network/metalnet/pkg/audit"
)

// audited runs fn and records its outcome on e. fn returns the journal
// action id when it enqueued one.
func audited(e *audit.Event, fn func() (string, error)) (string, error) {
	start := time.Now()
	id, err := fn()
	e.Duration = time.Since(start)
	audit.Log(e.WithAction(id).WithResult(err))
	return id, err
}

// auditedErr is audited for requests that enqueue nothing
func auditedErr(e *audit.Event, fn func() error) error {
	_, err := audited(e, func() (string, error) { return "", fn() })
	return err
}
