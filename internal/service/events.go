package service

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/mmynk/settleup/internal/auth"
	"github.com/mmynk/settleup/internal/errs"
	"github.com/mmynk/settleup/internal/middleware"
	"github.com/mmynk/settleup/internal/notify"
	"github.com/mmynk/settleup/internal/storage"
)

// GroupEventsHandler upgrades members of a group to a WebSocket that
// receives settlement events. Mount it on a pattern with an {id} wildcard.
//
// Browsers cannot set headers on a WebSocket handshake, so the token may
// also be passed as the "token" query parameter.
func GroupEventsHandler(store storage.Reader, jwtManager *auth.JWTManager, hub *notify.Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		groupID := r.PathValue("id")

		token := r.URL.Query().Get("token")
		if token == "" {
			var err error
			if token, err = middleware.BearerToken(r.Header.Get("Authorization")); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}
		claims, err := jwtManager.Validate(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		group, err := store.GetGroup(r.Context(), groupID)
		if errors.Is(err, errs.ErrNotFound) {
			http.Error(w, "group not found", http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("Failed to load group for events", "group_id", groupID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !group.HasMember(claims.UserID) {
			http.Error(w, "not a member of this group", http.StatusForbidden)
			return
		}

		if err := hub.ServeGroup(w, r, groupID); err != nil {
			slog.Warn("WebSocket session ended with error", "group_id", groupID, "user_id", claims.UserID, "error", err)
		}
	})
}
