package bare

import (
	"context"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"
)

// exchangeContext binds an exchange's cancellation token to its inbound
// request context, which net/http already cancels when the client
// connection closes before the handler returns (spec §5's "inbound
// socket close before body completion" trigger).
func exchangeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithCancel(r.Context())
}

// relay pumps messages bidirectionally between client and remote until
// either side closes, then closes the other — spec §4.F's WS relay
// loop, shared by v1/v2/v3 once the handshake on each side is done.
func relay(client, remote *websocket.Conn, logErrors bool) {
	done := make(chan struct{}, 2)

	pump := func(from, to *websocket.Conn, direction string) {
		defer func() { done <- struct{}{} }()
		for {
			messageType, message, err := from.ReadMessage()
			if err != nil {
				if logErrors && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.WithError(err).WithField("direction", direction).Warn("error reading WebSocket message")
				}
				return
			}
			if err := to.WriteMessage(messageType, message); err != nil {
				if logErrors {
					log.WithError(err).WithField("direction", direction).Warn("error writing WebSocket message")
				}
				return
			}
		}
	}

	go pump(remote, client, "remote->client")
	go pump(client, remote, "client->remote")

	<-done
	client.Close()
	remote.Close()
	<-done
}
