package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/javierd009/agente-portero-sub000/internal/bridge"
	"github.com/javierd009/agente-portero-sub000/internal/cdr"
)

// Bridge returns a checker that verifies the telephony listener is bound.
// The registry's live-call count is reported alongside the status.
func Bridge(srv *bridge.Server) Checker {
	return Checker{
		Name: "bridge",
		Check: func(context.Context) error {
			if srv.Addr() == nil {
				return errors.New("telephony listener not bound")
			}
			return nil
		},
		Detail: func() string {
			return fmt.Sprintf("%d active calls", srv.Registry().Len())
		},
	}
}

// Database returns a checker that pings the CDR store. A disabled store
// always passes; it is not a dependency in that configuration.
func Database(store *cdr.Store) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			return store.Ping(ctx)
		},
		Detail: func() string {
			if !store.Enabled() {
				return "disabled"
			}
			return ""
		},
	}
}
