package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Engine.IO packet types
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types, carried inside an Engine.IO message
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

var (
	// ErrAuthRejected means the server refused the configured token
	ErrAuthRejected = errors.New("socket.io authentication rejected")
	// ErrServerClosed means the server ended the session
	ErrServerClosed = errors.New("socket.io session closed by server")
	// ErrMalformedFrame marks an event frame that could not be decoded. The
	// session survives it.
	ErrMalformedFrame = errors.New("malformed socket.io event frame")
)

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"` // ms
	PingTimeout  int    `json:"pingTimeout"`  // ms
}

// socketClient is a minimal Socket.IO v4 client for the default namespace.
// Reads happen on one goroutine; writes are serialized by writeMu.
type socketClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	sid          string
	pingInterval time.Duration
	pingTimeout  time.Duration
}

// socketURL turns a server URL into its Engine.IO websocket endpoint
func socketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialSocket connects, completes the Engine.IO open and authenticates the
// default namespace with token
func dialSocket(ctx context.Context, rawURL, token string, timeout time.Duration) (*socketClient, error) {
	endpoint, err := socketURL(rawURL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	c := &socketClient{conn: conn}
	if err := c.handshake(token, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *socketClient) handshake(token string, timeout time.Duration) error {
	c.conn.SetReadDeadline(time.Now().Add(timeout))

	msg, err := c.readText()
	if err != nil {
		return fmt.Errorf("reading open packet: %w", err)
	}
	if len(msg) == 0 || msg[0] != eioOpen {
		return fmt.Errorf("expected open packet, got %q", truncate(msg))
	}
	var open openPacket
	if err := json.Unmarshal(msg[1:], &open); err != nil {
		return fmt.Errorf("decoding open packet: %w", err)
	}
	c.pingInterval = time.Duration(open.PingInterval) * time.Millisecond
	c.pingTimeout = time.Duration(open.PingTimeout) * time.Millisecond

	auth, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	if err := c.write(append([]byte{eioMessage, sioConnect}, auth...)); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	for {
		msg, err := c.readText()
		if err != nil {
			return fmt.Errorf("waiting for connect ack: %w", err)
		}
		switch {
		case len(msg) == 1 && msg[0] == eioPing:
			if err := c.write([]byte{eioPong}); err != nil {
				return err
			}
		case len(msg) >= 2 && msg[0] == eioMessage && msg[1] == sioConnect:
			var ack struct {
				SID string `json:"sid"`
			}
			if len(msg) > 2 {
				if err := json.Unmarshal(msg[2:], &ack); err != nil {
					return fmt.Errorf("decoding connect ack %q: %w", truncate(msg[2:]), err)
				}
			}
			c.sid = ack.SID
			return nil
		case len(msg) >= 2 && msg[0] == eioMessage && msg[1] == sioConnectError:
			var reject struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(msg[2:], &reject); err != nil {
				reject.Message = strings.TrimSpace(truncate(msg[2:]))
			}
			if reject.Message == "" {
				return ErrAuthRejected
			}
			return fmt.Errorf("%w: %s", ErrAuthRejected, reject.Message)
		case len(msg) >= 1 && msg[0] == eioClose:
			return ErrServerClosed
		}
	}
}

// readEvent blocks until the next event packet, answering pings on the way.
// An undecodable event frame is returned as ErrMalformedFrame and leaves the
// connection usable.
func (c *socketClient) readEvent() (string, json.RawMessage, error) {
	for {
		if c.pingInterval > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
		}
		msg, err := c.readText()
		if err != nil {
			return "", nil, err
		}
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case eioPing:
			if err := c.write([]byte{eioPong}); err != nil {
				return "", nil, fmt.Errorf("sending pong: %w", err)
			}
		case eioClose:
			return "", nil, ErrServerClosed
		case eioMessage:
			if len(msg) < 2 {
				continue
			}
			switch msg[1] {
			case sioDisconnect:
				return "", nil, ErrServerClosed
			case sioEvent:
				name, data, err := decodeEvent(msg[2:])
				if err != nil {
					return "", nil, err
				}
				return name, data, nil
			}
		}
	}
}

// decodeEvent parses `[ackid]["NAME",data]`. A namespace prefix ending in
// a comma is skipped too.
func decodeEvent(body []byte) (string, json.RawMessage, error) {
	if i := strings.IndexByte(string(body), '['); i > 0 {
		body = body[i:]
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil || len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: %q", ErrMalformedFrame, truncate(body))
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name is not a string: %q", ErrMalformedFrame, truncate(parts[0]))
	}
	if len(parts) < 2 {
		return name, json.RawMessage("null"), nil
	}
	return name, parts[1], nil
}

func (c *socketClient) readText() ([]byte, error) {
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return msg, nil
		}
	}
}

func (c *socketClient) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// close leaves the namespace and closes the socket. It also unblocks readEvent.
func (c *socketClient) close() error {
	c.write([]byte{eioMessage, sioDisconnect})
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
