// ABOUTME: Directory of the standard contexts sharing one store
// ABOUTME: Creates the ui, sync and search contexts on a common change bus

package objectctx

import (
	"log/slog"

	"github.com/2389/coven-localstore/internal/store"
)

// Names of the standard contexts.
const (
	UIContextName     = "ui"
	SyncContextName   = "sync"
	SearchContextName = "search"
)

// Directory holds the contexts an application runs against one store:
// UI for presentation, Sync for applying network updates and Search for
// long-running queries.
type Directory struct {
	UI     *Context
	Sync   *Context
	Search *Context

	bus *Bus
}

// NewDirectory creates the three standard contexts over st.
func NewDirectory(st store.Store, schema Schema, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	bus := NewBus(logger)

	return &Directory{
		UI:     NewContext(UIContextName, st, bus, schema, logger),
		Sync:   NewContext(SyncContextName, st, bus, schema, logger),
		Search: NewContext(SearchContextName, st, bus, schema, logger),
		bus:    bus,
	}
}

// Bus returns the change bus shared by the directory's contexts. Extra
// contexts created on it see the same notifications.
func (d *Directory) Bus() *Bus {
	return d.bus
}

// TearDown tears down every context and closes the bus. The store is left
// open.
func (d *Directory) TearDown() {
	d.UI.TearDown()
	d.Sync.TearDown()
	d.Search.TearDown()
	d.bus.Close()
}
