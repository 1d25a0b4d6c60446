package messaging

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Handler processes one incoming message to completion.
type Handler interface {
	HandleIncomingMessage(ctx context.Context, msg models.IncomingMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg models.IncomingMessage) error

func (f HandlerFunc) HandleIncomingMessage(ctx context.Context, msg models.IncomingMessage) error {
	return f(ctx, msg)
}

// Router pumps every service's incoming channel into a handler. Messages of one channel are
// handled one at a time in arrival order.
type Router struct {
	registry *Registry
	handler  Handler
}

// NewRouter creates a Router.
func NewRouter(registry *Registry, handler Handler) *Router {
	return &Router{registry: registry, handler: handler}
}

// Run starts all services and blocks until ctx is cancelled or every incoming channel closes.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range r.registry.All() {
		if err := svc.Start(ctx); err != nil {
			slog.Error("Router failed to start service", "error", err, "channel", svc.Name())
			return err
		}
		g.Go(func() error {
			r.pump(ctx, svc)
			return nil
		})
	}
	return g.Wait()
}

func (r *Router) pump(ctx context.Context, svc Service) {
	slog.Info("Router listening for incoming messages", "channel", svc.Name())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-svc.Incoming():
			if !ok {
				slog.Info("Router incoming channel closed", "channel", svc.Name())
				return
			}
			if msg.ChannelName == "" {
				msg.ChannelName = svc.Name()
			}
			if err := r.handler.HandleIncomingMessage(ctx, msg); err != nil {
				slog.Error("Router failed to handle incoming message", "error", err,
					"channel", msg.ChannelName, "channelUserID", msg.ChannelUserID, "messageID", msg.ID)
			}
		}
	}
}
