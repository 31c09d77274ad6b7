package api

import (
	"fmt"
	"net/http"

	"github.com/vdavid/mailgate/internal/auth"
)

// Handlers groups everything the router needs.
type Handlers struct {
	Auth        *auth.Authenticator
	Compose     *ComposeHandler
	Approvals   *ApprovalsHandler
	Subscribers *SubscribersHandler
	WebSocket   *WebSocketHandler
}

// NewRouter mounts the HTTP API. Compose, the approvals listing and removals
// require the operator token; subscribing and confirming are public.
func NewRouter(h Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	mux.Handle("/api/v1/compose", h.Auth.RequireAuth(methodHandler(map[string]http.HandlerFunc{
		http.MethodPost: h.Compose.Submit,
	})))
	mux.Handle("/api/v1/approvals", h.Auth.RequireAuth(methodHandler(map[string]http.HandlerFunc{
		http.MethodGet: h.Approvals.List,
	})))
	mux.Handle("/api/v1/subscribers", methodHandler(map[string]http.HandlerFunc{
		http.MethodPost:   h.Subscribers.Subscribe,
		http.MethodDelete: h.Auth.RequireAuth(http.HandlerFunc(h.Subscribers.Unsubscribe)).ServeHTTP,
	}))
	mux.Handle("/api/v1/subscribers/confirm", methodHandler(map[string]http.HandlerFunc{
		http.MethodPost: h.Subscribers.Confirm,
	}))
	// The WebSocket handler authenticates on its own.
	mux.Handle("/api/v1/ws", http.HandlerFunc(h.WebSocket.Handle))

	return mux
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mailgate is running")
}
