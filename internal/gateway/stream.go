package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"
)

// streamWriteTimeout bounds one websocket write.
const streamWriteTimeout = 5 * time.Second

// handleCaptureStream pushes every new capture record to a websocket client
// until it disconnects. Records a slow client cannot keep up with are dropped.
func (g *Gateway) handleCaptureStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Debug().Err(err).Msg("capture stream: accept failed")
		return
	}
	defer conn.CloseNow()

	records, cancel := g.recorder.Subscribe()
	defer cancel()

	// The client never sends; CloseRead handles pings and reports disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case rec, ok := <-records:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "recorder closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, rec)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug().Err(err).Msg("capture stream: write failed")
				}
				return
			}
		}
	}
}
