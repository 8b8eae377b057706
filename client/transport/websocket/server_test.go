package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/watchparty/model"
	"github.com/gorilla/websocket"
)

// recorder is a websocket endpoint that records every frame it receives.
type recorder struct {
	upgrader websocket.Upgrader
	srv      *httptest.Server

	refuse  atomic.Bool
	refused atomic.Int32
	hold    chan struct{} // if set, upgrades wait for it to close

	mx       sync.Mutex
	dials    []time.Time
	frames   []model.Frame
	queries  []url.Values
	headers  []http.Header
	conns    map[*websocket.Conn]*sync.Mutex
	last     *websocket.Conn
	accepted int
}

func newRecorder(t *testing.T) *recorder {
	t.Helper()
	r := &recorder{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]*sync.Mutex),
	}
	r.srv = httptest.NewServer(r)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *recorder) endpoint() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.hold != nil {
		<-r.hold
	}
	r.mx.Lock()
	r.dials = append(r.dials, time.Now())
	r.mx.Unlock()
	if r.refuse.Load() {
		r.refused.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mx.Lock()
	r.conns[conn] = &sync.Mutex{}
	r.last = conn
	r.accepted++
	r.queries = append(r.queries, req.URL.Query())
	r.headers = append(r.headers, req.Header.Clone())
	r.mx.Unlock()

	go func() {
		defer func() {
			r.mx.Lock()
			delete(r.conns, conn)
			r.mx.Unlock()
			_ = conn.Close()
		}()
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f model.Frame
			if err = json.Unmarshal(b, &f); err != nil {
				continue
			}
			r.mx.Lock()
			r.frames = append(r.frames, f)
			r.mx.Unlock()
		}
	}()
}

func (r *recorder) types() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.Type)
	}
	return out
}

func (r *recorder) count(frameType string) int {
	var n int
	for _, t := range r.types() {
		if t == frameType {
			n++
		}
	}
	return n
}

func (r *recorder) framesSnapshot() []model.Frame {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.Frame(nil), r.frames...)
}

func (r *recorder) dialTimes() []time.Time {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]time.Time(nil), r.dials...)
}

func (r *recorder) open() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.conns)
}

func (r *recorder) acceptedCount() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.accepted
}

// sendRaw writes a text message to the most recent connection.
func (r *recorder) sendRaw(payload string) error {
	r.mx.Lock()
	conn := r.last
	wmx := r.conns[conn]
	r.mx.Unlock()
	if conn == nil || wmx == nil {
		return websocket.ErrCloseSent
	}
	wmx.Lock()
	defer wmx.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// drop abruptly closes every open connection.
func (r *recorder) drop() {
	r.mx.Lock()
	defer r.mx.Unlock()
	for conn := range r.conns {
		_ = conn.Close()
	}
}
