package ws

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, cl *client) {
	var ping <-chan time.Time
	if ctl.pingPeriod > 0 {
		t := time.NewTicker(ctl.pingPeriod)
		defer t.Stop()
		ping = t.C
	}
	defer cl.conn.Close()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "adapters.ws").Str("sid", string(cl.sid)).Msg("writePump ctx done")
			return
		case <-ping:
			if err := cl.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Str("sid", string(cl.sid)).Msg("writePump ping")
				return
			}
		case data, ok := <-cl.conn.send:
			if !ok {
				return
			}
			if err := cl.conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump set deadline")
				return
			}
			if err := cl.conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Str("sid", string(cl.sid)).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cl *client) {
	defer func() {
		log.Info().Str("module", "adapters.ws").Str("sid", string(cl.sid)).Msg("readPump closing")
		cl.conn.Close()
	}()

	ws := cl.conn.conn
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}
	if ctl.pingPeriod > 0 {
		pongWait := ctl.pingPeriod * 10 / 9
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "adapters.ws").Str("sid", string(cl.sid)).Msg("readPump read error")
			}
			return
		}
		ctl.dispatch(ctx, cl, data)
	}
}

func (ctl *Controller) sendJSON(cl *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("sendJSON marshal")
		return
	}
	if err := cl.conn.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "adapters.ws").Str("sid", string(cl.sid)).Msg("reply dropped")
	}
}
