package bot

import (
	"context"
	"fmt"

	"foremanbot/internal/transport"
)

// Route holds one handler per context kind. A nil side means the command
// does nothing in that context; there is no fallback to the other side.
type Route struct {
	Group  HandlerFunc
	Direct HandlerFunc
}

// Both uses h for both context kinds.
func Both(h HandlerFunc) Route { return Route{Group: h, Direct: h} }

type Router map[Command]Route

// Dispatch runs the handler for the request's command and context kind.
func (r Router) Dispatch(ctx context.Context, req *Request) error {
	route, ok := r[req.Command]
	if !ok {
		return fmt.Errorf("no route for %q", req.Command)
	}
	var h HandlerFunc
	switch req.Message.Context {
	case transport.ContextGroup:
		h = route.Group
	case transport.ContextDirect:
		h = route.Direct
	default:
		return fmt.Errorf("unknown context kind %q", req.Message.Context)
	}
	if h == nil {
		return nil
	}
	return h(ctx, req)
}
