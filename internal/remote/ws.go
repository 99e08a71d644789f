package remote

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matheus3301/carechat/internal/errs"
)

// Frame types on the subscription socket.
const (
	frameReady  = "ready"
	frameChange = "change"
)

// frame is the envelope pushed over the subscription socket.
type frame struct {
	Type   string `json:"type"`
	Record Record `json:"record,omitempty"`
}

// WSStore is HTTP plus push subscriptions over a websocket at
// <base>/subscribe?path=<path>.
type WSStore struct {
	*HTTP
	wsBase string
}

// NewWSStore returns a REST client whose Subscribe uses a websocket.
func NewWSStore(base string, timeout time.Duration) *WSStore {
	h := NewHTTP(base, timeout)
	ws := strings.Replace(h.base, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return &WSStore{HTTP: h, wsBase: ws}
}

// Subscribe dials the subscription socket and returns once the server has
// registered it. Changes are delivered from a single reader goroutine.
func (w *WSStore) Subscribe(ctx context.Context, path string, fn ChangeFunc) (func(), error) {
	if err := validPath("remote.subscribe", path); err != nil {
		return nil, err
	}

	u := w.wsBase + "/subscribe?path=" + url.QueryEscape(path)
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, errs.E(errs.Network, "remote.subscribe", err)
	}

	var ready frame
	if err := wsjson.Read(ctx, conn, &ready); err != nil || ready.Type != frameReady {
		_ = conn.Close(websocket.StatusProtocolError, "expected ready")
		if err == nil {
			err = errs.Errorf(errs.Decode, "remote.subscribe", "expected %q frame, got %q", frameReady, ready.Type)
		}
		return nil, errs.E(errs.Network, "remote.subscribe", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		for {
			var f frame
			if err := wsjson.Read(subCtx, conn, &f); err != nil {
				return
			}
			if f.Type == frameChange && f.Record != nil {
				fn(f.Record)
			}
		}
	}()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			cancel()
			_ = conn.Close(websocket.StatusNormalClosure, "unsubscribe")
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsub()
		case <-subCtx.Done():
		}
	}()
	return unsub, nil
}
