package target

import (
	"github.com/gridtest/gridtest/pkg/engine"
)

// Serial runs one assignment at a time on a single worker goroutine. It is
// the default target and the one the remote agent runs behind the wire
// protocol.
type Serial struct {
	*Pool
}

// NewSerial creates a serial target.
func NewSerial(name, group string, db engine.Database, provider engine.Provider, opts ...Option) *Serial {
	return &Serial{
		Pool: NewPool(name, group, 1, db, provider, opts...),
	}
}
