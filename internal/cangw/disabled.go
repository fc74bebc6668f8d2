package cangw

import (
	"context"
	"net/http"
)

// DisabledGateway accepts every command and produces no telemetry. It is
// used with --disable-can so the server and admin routes run without an
// adapter. Subscriber channels are still closed on Unsubscribe or Close so
// readers unblock during shutdown.
type DisabledGateway struct {
	*hub
}

// NewDisabledGateway returns a gateway with no hardware behind it.
func NewDisabledGateway() *DisabledGateway {
	return &DisabledGateway{hub: newHub()}
}

// Submit discards cmd.
func (d *DisabledGateway) Submit(ctx context.Context, _ Command) error { return ctx.Err() }

// Monitor blocks until ctx is done.
func (d *DisabledGateway) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

// Close closes every subscriber.
func (d *DisabledGateway) Close() error {
	d.hub.close()
	return nil
}

func (d *DisabledGateway) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/can-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("CAN gateway disabled"))
	})
}
