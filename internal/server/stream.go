package server

import (
	"bufio"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tailspin/internal/stream"
)

// handleStream serves GET /v1/stream as server-sent events. Query
// parameters: session narrows span events to one session, client_id
// names the subscription (a reconnect with the same id replaces the old
// stream).
func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	reqID := RequestID(r.Context())
	rc := http.NewResponseController(w)

	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		a.logger.Warn("failed to clear write deadline", zap.String("request_id", reqID), zap.Error(err))
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(": connected\n\n"); err != nil {
		return
	}
	if err := flush(bw, rc); err != nil {
		return
	}

	opts := stream.SubscribeOptions{SessionID: r.URL.Query().Get("session")}
	err := a.Broadcaster.Stream(r.Context(), r.URL.Query().Get("client_id"), opts, func(msg stream.Message) error {
		if err := writeEvent(bw, msg); err != nil {
			return err
		}
		return flush(bw, rc)
	})
	if err != nil && !errors.Is(err, stream.ErrSubscriptionClosed) {
		a.logger.Debug("stream ended", zap.String("request_id", reqID), zap.Error(err))
	}
}

func writeEvent(bw *bufio.Writer, msg stream.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	bw.WriteString("id: ")
	bw.WriteString(strconv.FormatUint(msg.Sequence, 10))
	bw.WriteString("\nevent: ")
	bw.WriteString(string(msg.Type))
	bw.WriteString("\ndata: ")
	bw.Write(data)
	_, err = bw.WriteString("\n\n")
	return err
}

func flush(bw *bufio.Writer, rc *http.ResponseController) error {
	if err := bw.Flush(); err != nil {
		return err
	}
	return rc.Flush()
}
