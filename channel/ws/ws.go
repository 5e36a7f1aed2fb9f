// Package ws adapts a *websocket.Conn from github.com/gorilla/websocket to
// the channel.Channel interface, using the same readPump/writePump split
// the teacher's agent hub uses per-client.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabtext/syncengine/channel"
)

// defaultUpgrader is shared by Accept and mirrors the teacher's
// package-level upgrader. It accepts every origin; Options has no origin
// check.
var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options configures keepalive behavior. PingInterval of zero disables
// heartbeats — spec §4.5 warns this leaves stale peers undetected.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
}

func (o Options) pongWait() time.Duration {
	if o.PongWait > 0 {
		return o.PongWait
	}
	if o.PingInterval > 0 {
		return o.PingInterval * 3
	}
	return 60 * time.Second
}

// Conn wraps a *websocket.Conn as a channel.Channel.
type Conn struct {
	ws       *websocket.Conn
	send     chan []byte
	incoming chan []byte
	errors   chan error
	closed   chan channel.CloseInfo
	closeOnce sync.Once
	opts     Options
}

// Accept upgrades an inbound HTTP request to a websocket and wraps it.
// Mirrors the teacher's serveWs, generalized with Options.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	wsConn, err := defaultUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(wsConn, opts), nil
}

// Dial opens an outbound websocket connection to url.
func Dial(url string, opts Options) (*Conn, error) {
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newConn(wsConn, opts), nil
}

func newConn(wsConn *websocket.Conn, opts Options) *Conn {
	c := &Conn{
		ws:       wsConn,
		send:     make(chan []byte, 256),
		incoming: make(chan []byte, 256),
		errors:   make(chan error, 4),
		closed:   make(chan channel.CloseInfo, 1),
		opts:     opts,
	}
	if c.opts.PingInterval > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.opts.pongWait()))
		c.ws.SetPongHandler(func(string) error {
			c.ws.SetReadDeadline(time.Now().Add(c.opts.pongWait()))
			return nil
		})
	}
	go c.readPump()
	go c.writePump()
	return c
}

func (c *Conn) readPump() {
	defer c.terminate(websocket.CloseNormalClosure, "")
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			reason := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			} else {
				select {
				case c.errors <- err:
				default:
				}
				code = websocket.CloseAbnormalClosure
			}
			c.terminate(code, reason)
			return
		}
		select {
		case c.incoming <- msg:
		default:
			select {
			case c.errors <- errSlowReader:
			default:
			}
		}
	}
}

func (c *Conn) writePump() {
	var pingTicker *time.Ticker
	if c.opts.PingInterval > 0 {
		pingTicker = time.NewTicker(c.opts.PingInterval)
		defer pingTicker.Stop()
	}
	pingChan := func() <-chan time.Time {
		if pingTicker != nil {
			return pingTicker.C
		}
		return nil
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.terminate(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		case <-pingChan:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.terminate(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		}
	}
}

func (c *Conn) terminate(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed <- channel.CloseInfo{Code: code, Reason: reason}
		close(c.closed)
		c.ws.Close()
	})
}

func (c *Conn) Send(text []byte) error {
	select {
	case c.send <- text:
		return nil
	default:
		return errSendFull
	}
}

func (c *Conn) Incoming() <-chan []byte          { return c.incoming }
func (c *Conn) Errors() <-chan error             { return c.errors }
func (c *Conn) Closed() <-chan channel.CloseInfo { return c.closed }

func (c *Conn) Close(code int, reason string) error {
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.terminate(code, reason)
	return nil
}

type wsError string

func (e wsError) Error() string { return string(e) }

const (
	errSlowReader = wsError("ws: incoming buffer full, dropping frame")
	errSendFull   = wsError("ws: send buffer full")
)
