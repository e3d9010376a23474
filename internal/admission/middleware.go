// ABOUTME: HTTP middleware that admits requests into a pool before the handler runs.

package admission

import (
	"context"
	"net/http"
)

type slotKey struct{}

// RejectFunc writes the response for a request that could not be admitted.
type RejectFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware wraps next so it only runs while holding a slot from the kind
// pool. The slot is released when next returns or when the client goes
// away, whichever happens first.
func (c *Controller) Middleware(kind Kind, reject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slot, err := c.AcquireContext(r.Context(), kind)
			if err != nil {
				reject(w, r, err)
				return
			}
			defer slot.Release()

			ctx := context.WithValue(r.Context(), slotKey{}, slot)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SlotFromContext returns the slot held by the current request, if any.
func SlotFromContext(ctx context.Context) (*Slot, bool) {
	slot, ok := ctx.Value(slotKey{}).(*Slot)
	return slot, ok
}
