package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/ridealong/internal/auth"
)

// HandleWebSocket returns an HTTP handler that upgrades authenticated
// connections and runs them as Hub clients. newSession builds the read
// model bound to the socket; nil serves push-only sockets.
func HandleWebSocket(hub *Hub, newSession func() Session, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		if userID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns:     originPatterns,
			InsecureSkipVerify: len(originPatterns) == 0,
		})
		if err != nil {
			logger.Warn("websocket accept", "user", userID, "error", err)
			return
		}
		defer conn.CloseNow()

		var session Session
		if newSession != nil {
			session = newSession()
		}
		client := NewClient(hub, conn, userID, session, logger)
		client.Run(r.Context())
		conn.Close(ws.StatusNormalClosure, "")
	}
}
