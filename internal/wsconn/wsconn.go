// Package wsconn adapts coder/websocket connections to io.ReadWriteCloser
// so the rest of the pipeline (registry, splice, dissector) never has to
// know whether a candidate arrived over raw TCP or WebSocket.
package wsconn

import (
	"context"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// Accept upgrades an inbound HTTP request to a WebSocket and returns it as
// a net.Conn carrying binary frames, so dispatch's deadline-bounded peek
// and the splice engine never have to know a candidate arrived over
// WebSocket rather than raw TCP.
func Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (net.Conn, error) {
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, err
	}
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// Dial opens an outbound WebSocket to url and returns it as a net.Conn.
func Dial(ctx context.Context, url string, opts *websocket.DialOptions) (net.Conn, error) {
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}
