package session

import (
	"context"
	"log"
	"net/http"
	"net/url"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/event"
	"github.com/sightline-dev/sightline/internal/hosts"
	"github.com/sightline-dev/sightline/internal/overlay"
)

// Handler upgrades /session requests and runs one overlay controller per
// connection.
type Handler struct {
	registry *hosts.Registry
	backend  overlay.Backend
	opts     []overlay.Option
	upgrader websocket.Upgrader
}

// NewHandler builds the session endpoint. allowedOrigins are doublestar
// patterns matched against the Origin header's host; the shim connects
// from the code host's origin, never ours, so an empty list rejects
// everything.
func NewHandler(registry *hosts.Registry, backend overlay.Backend, allowedOrigins []string, opts ...overlay.Option) *Handler {
	h := &Handler{registry: registry, backend: backend, opts: opts}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
	return h
}

// Routes mounts the endpoint on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/session", h.handle)
	return r
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	// First message must be init: the page URL and the serialized DOM the
	// mirror is built from.
	var init inboundMessage
	if err := conn.ReadJSON(&init); err != nil || init.Type != "init" {
		log.Printf("session: bad init message: %v", err)
		return
	}
	doc, err := dom.ParseString(init.HTML)
	if err != nil {
		log.Printf("session: parse page: %v", err)
		return
	}

	id := uuid.NewString()
	log.Printf("session %s: open for %s", id, init.URL)
	defer log.Printf("session %s: closed", id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	bus := event.NewBus()
	patches := make(chan event.Patch, 64)
	ctrl := overlay.New(doc, h.registry, h.backend, func(p event.Patch) {
		select {
		case patches <- p:
		case <-ctx.Done():
		}
	}, h.opts...)

	// Writer: patches out. Closing the connection on write failure makes
	// the reader unblock and tear the session down.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-patches:
				msg, err := encodePatch(p)
				if err != nil {
					log.Printf("session %s: %v", id, err)
					continue
				}
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader: events in. Closing the bus when the shim goes away ends the
	// controller's Run below, which ends the session.
	go func() {
		defer bus.Close()
		for {
			var msg inboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("session %s: read: %v", id, err)
				}
				return
			}
			ev, err := decodeEvent(msg)
			if err != nil {
				log.Printf("session %s: %v", id, err)
				continue
			}
			bus.Publish(ev)
			if _, done := ev.(event.Unload); done {
				return
			}
		}
	}()

	if err := ctrl.Run(ctx, bus, init.URL); err != nil && ctx.Err() == nil {
		log.Printf("session %s: controller: %v", id, err)
	}
}

// originAllowed matches an Origin header host against the configured
// doublestar patterns.
func originAllowed(origin string, patterns []string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, u.Host); err == nil && ok {
			return true
		}
	}
	return false
}
