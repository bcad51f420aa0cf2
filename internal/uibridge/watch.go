package uibridge

import (
	"context"

	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/tasklist"
)

// WatchStores tells clients to reload when history or task lists are removed
// through this process, for example by a REST call. The CLI opens its own
// store handle, so its deletes show up on the next snapshot.
func (h *Hub) WatchStores(ctx context.Context) {
	history, stopHistory := h.svc.History().Subscribe()
	lists, stopLists := h.svc.Lists().Subscribe()
	go func() {
		defer stopHistory()
		defer stopLists()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-history:
				if !ok {
					return
				}
				switch evt.Type {
				case interactions.EventDeleted, interactions.EventCleared:
					h.NotifyRefresh("history")
				}
			case evt, ok := <-lists:
				if !ok {
					return
				}
				if evt.Type == tasklist.EventSessionDeleted {
					h.NotifyRefresh("tasklists")
				}
			}
		}
	}()
}
