package transport

import (
	"net/http"
	"net/url"
	"time"

	"github.com/tmaxmax/go-sse"
	"github.com/viant/mcpbridge/envelope"
	"github.com/viant/mcpbridge/router"
	"github.com/viant/mcpbridge/schema"
)

// SessionQueryParameter names the session on message posts of streaming sessions.
const SessionQueryParameter = "sessionId"

// streamHandler returns the streaming adapter for the endpoint under prefix.
func (h *Handler) streamHandler(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.handleStream(w, r, prefix)
	}
}

// handleStream is the streaming adapter: it admits a subscribed session and
// pushes its messages until the client disconnects or the session closes.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, prefix string) {
	session, err := h.sessions.Admit(identityOf(r))
	if err != nil {
		writeRPCError(w, http.StatusServiceUnavailable, nil, err)
		return
	}
	defer h.sessions.Disconnect(session.Id)
	if err = h.sessions.Activate(session.Id, true); err != nil {
		writeRPCError(w, statusOf(err), nil, err)
		return
	}
	w.Header().Set(schema.SessionHeader, session.Id)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		h.logger.Error("failed to upgrade session", "session", session.Id, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	endpoint := &sse.Message{Type: sse.Type("endpoint")}
	endpoint.AppendData(messageURL(prefix, session.Id))
	if err = stream.Send(endpoint); err != nil {
		h.logger.Warn("failed to write endpoint event", "session", session.Id, "err", err)
		return
	}
	if err = stream.Flush(); err != nil {
		return
	}
	h.logger.Info("stream attached", "session", session.Id)
	if err = h.pump(r, stream, session); err != nil {
		h.logger.Info("stream detached", "session", session.Id, "err", err)
	}
}

func (h *Handler) pump(r *http.Request, stream *sse.Session, session *router.Session) error {
	keepAlive := time.NewTicker(h.config.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return r.Context().Err()
		case <-session.Done():
			// deliver what the session still buffered before it closed
			for {
				select {
				case msg := <-session.Messages():
					if err := send(stream, msg); err != nil {
						return err
					}
				default:
					return stream.Flush()
				}
			}
		case msg := <-session.Messages():
			if err := send(stream, msg); err != nil {
				return err
			}
		case <-keepAlive.C:
			comment := &sse.Message{}
			comment.AppendComment("keep-alive")
			if err := stream.Send(comment); err != nil {
				return err
			}
			if err := stream.Flush(); err != nil {
				return err
			}
		}
	}
}

func send(stream *sse.Session, msg *envelope.Envelope) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	event := &sse.Message{Type: sse.Type("message")}
	event.AppendData(string(data))
	if err = stream.Send(event); err != nil {
		return err
	}
	return stream.Flush()
}

// handleMessage submits a client message into a streaming session.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get(SessionQueryParameter)
	if sessionID == "" {
		http.Error(w, "missing "+SessionQueryParameter+" query parameter", http.StatusBadRequest)
		return
	}
	if _, err := h.sessions.Lookup(sessionID, identityOf(r)); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	msg, ok := h.readMessage(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Post(sessionID, msg); err != nil {
		writeRPCError(w, statusOf(err), msg.Id, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func messageURL(prefix, sessionID string) string {
	return messagePath(prefix) + "?" + url.Values{SessionQueryParameter: {sessionID}}.Encode()
}
