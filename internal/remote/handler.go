package remote

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matheus3301/carechat/internal/errs"
)

// Handler serves a Store over the same REST and websocket protocol HTTP and
// WSStore speak. carechatd uses it to host an in-process backend for local
// development.
type Handler struct {
	store Store
	log   *zap.Logger
	mux   *http.ServeMux
}

// NewHandler exposes store over HTTP.
func NewHandler(store Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{store: store, log: log, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /subscribe", h.subscribe)
	h.mux.HandleFunc("GET /{path...}", h.read)
	h.mux.HandleFunc("POST /{path...}", h.write)
	h.mux.HandleFunc("PATCH /{path...}", h.update)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request) {
	q, err := ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := h.store.Read(r.Context(), r.PathValue("path"), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request) {
	var rec Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, errs.E(errs.InvalidArgument, "remote.write", err))
		return
	}
	id, err := h.store.Write(r.Context(), r.PathValue("path"), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, writeResponse{ID: id})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, errs.E(errs.InvalidArgument, "remote.update", err))
		return
	}
	if err := h.store.Update(r.Context(), r.PathValue("path"), fields); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "") }()

	ctx := conn.CloseRead(r.Context())
	out := make(chan Record, 64)
	unsub, err := h.store.Subscribe(ctx, path, func(rec Record) {
		select {
		case out <- rec:
		default:
			h.log.Warn("subscriber too slow, dropping change", zap.String("path", path), zap.String("id", rec.ID()))
		}
	})
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer unsub()

	if err := wsjson.Write(ctx, conn, frame{Type: frameReady}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case rec := <-out:
			if err := writeFrame(ctx, conn, rec); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, rec Record) error {
	return wsjson.Write(ctx, conn, frame{Type: frameChange, Record: rec})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.InvalidArgument, errs.Decode:
		code = http.StatusBadRequest
	case errs.NotFound:
		code = http.StatusNotFound
	case errs.Permission:
		code = http.StatusForbidden
	case errs.Unavailable:
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}
