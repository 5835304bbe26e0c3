package main

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"sync"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mastercactapus/pressctl/plunger"
)

const (
	sseChannel   = "/events/state"
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

type pushMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// pushHub broadcasts telemetry and notices to websocket and SSE listeners.
type pushHub struct {
	sse      *sse.Server
	upgrader websocket.Upgrader
	log      *zap.Logger

	interval time.Duration
	now      func() time.Time

	mx        sync.Mutex
	clients   map[*websocket.Conn]chan []byte
	lastFrame time.Time
}

func newPushHub(interval time.Duration, logger *zap.Logger) *pushHub {
	return &pushHub{
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(ioutil.Discard, "", 0),
		}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:      logger,
		interval: interval,
		now:      time.Now,
		clients:  make(map[*websocket.Conn]chan []byte),
	}
}

// Frame pushes f unless another frame went out within the report interval.
func (h *pushHub) Frame(f plunger.Frame) {
	now := h.now()
	h.mx.Lock()
	if !h.lastFrame.IsZero() && now.Sub(h.lastFrame) < h.interval {
		h.mx.Unlock()
		return
	}
	h.lastFrame = now
	h.mx.Unlock()

	h.send("serialData", json.RawMessage(f.Raw))
}

// Event pushes a notice. Notices are never rate limited.
func (h *pushHub) Event(kind string, v interface{}) {
	h.send(kind, v)
}

func (h *pushHub) send(kind string, v interface{}) {
	data, err := json.Marshal(pushMessage{Type: kind, Data: v})
	if err != nil {
		h.log.Error("marshal push message", zap.Error(err))
		return
	}

	h.sse.SendMessage(sseChannel, sse.SimpleMessage(string(data)))

	h.mx.Lock()
	defer h.mx.Unlock()
	for ws, ch := range h.clients {
		select {
		case ch <- data:
		default:
			h.log.Warn("push client too slow, disconnecting", zap.String("remote", ws.RemoteAddr().String()))
			close(ch)
			delete(h.clients, ws)
		}
	}
}

func (h *pushHub) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.Debug("websocket upgrade", zap.Error(err))
		return
	}
	defer ws.Close()

	ch := make(chan []byte, clientBuffer)
	h.mx.Lock()
	h.clients[ws] = ch
	h.mx.Unlock()

	readErr := make(chan error, 1)
	go func() {
		for {
			// clients only listen
			_, _, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	defer func() {
		h.mx.Lock()
		if _, ok := h.clients[ws]; ok {
			delete(h.clients, ws)
			close(ch)
		}
		h.mx.Unlock()
	}()

	for {
		select {
		case <-readErr:
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = ws.WriteMessage(websocket.TextMessage, data)
			if err != nil {
				return
			}
		}
	}
}

func (h *pushHub) Close() {
	h.sse.Shutdown()
	h.mx.Lock()
	defer h.mx.Unlock()
	for ws, ch := range h.clients {
		close(ch)
		delete(h.clients, ws)
	}
}
