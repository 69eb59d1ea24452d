// Package wsconn adapts a gorilla/websocket connection to the
// io.ReadWriteCloser shape framedconn.Connection expects, so an outgoing
// websocket route can share the same framing, plugin stack, and handshake
// code as a raw TCP direct-listen route.
package wsconn

import (
	"bytes"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn presents a *websocket.Conn as a continuous byte stream: each Write
// call is sent as one binary websocket message, and Read transparently
// concatenates messages so callers never see message boundaries — exactly
// what framedconn's length-prefixed framing needs underneath it.
type Conn struct {
	ws  *websocket.Conn
	buf bytes.Buffer
}

// Wrap adapts an already-established websocket connection.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

var dialer = websocket.Dialer{HandshakeTimeout: 10 * time.Second}

// Dial opens a websocket connection to rawURL and wraps it.
func Dial(rawURL string, header http.Header) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	ws, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, err
	}
	return Wrap(ws), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	for c.buf.Len() == 0 {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf.Write(msg)
	}
	return c.buf.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade promotes an inbound HTTP request to a websocket connection, for a
// direct-listen route's accept side, and wraps it.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(ws), nil
}
