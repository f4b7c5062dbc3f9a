package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camforge/gkcam-bridge/internal/logger"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWSFLV serves the same FLV session as the raw TCP port over a
// WebSocket, one tag batch per binary message. Browser players
// (flv.js and friends) consume this without the vendor header tricks.
func (s *Server) handleWSFLV(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WSFLV", "upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	defer ws.Close()

	logger.Info("WSFLV", "client %s connected", r.RemoteAddr)
	s.ClientAttached()
	defer func() {
		s.ClientDetached()
		logger.Info("WSFLV", "client %s disconnected", r.RemoteAddr)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Players never send data frames; this read loop only notices
		// the close handshake or a dropped connection.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := s.runFLVSession(ctx, &wsTagWriter{ws: ws}); err != nil {
		logger.Debug("WSFLV", "client %s: %v", r.RemoteAddr, err)
	}
}

type wsTagWriter struct {
	ws *websocket.Conn
}

func (w *wsTagWriter) WriteTags(p []byte) error {
	w.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.ws.WriteMessage(websocket.BinaryMessage, p)
}
