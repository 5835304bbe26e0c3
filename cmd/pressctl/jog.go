package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// serveJog runs the manual jog protocol over a websocket. Clients keep
// a jog alive by repeating startMoving faster than the watchdog.
func (a *api) serveJog(w http.ResponseWriter, req *http.Request) {
	ws, err := a.push.upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.log.Debug("jog upgrade", zap.Error(err))
		return
	}
	defer ws.Close()

	var started bool
	defer func() {
		if !started {
			return
		}
		err := a.jog.Stop()
		if err != nil {
			a.log.Error("stop jog on disconnect", zap.Error(err))
		}
	}()

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		res := a.jog.Handle(data)
		if res.Status == "started" {
			started = true
		}

		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = ws.WriteJSON(res)
		if err != nil {
			return
		}
	}
}
