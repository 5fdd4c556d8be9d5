package server

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"sync"

	"overseer/internal/wsproto"
)

// HandleUpgrade performs the push-socket handshake on a hijacked connection,
// registers the peer and services its read loop until it closes or faults.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be upgraded", http.StatusInternalServerError)
		return
	}
	raw, brw, err := hijacker.Hijack()
	if err != nil {
		h.log.Error("hijack failed", "err", err)
		return
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + wsproto.AcceptKey(key) + "\r\n" +
		"Access-Control-Allow-Origin: *\r\n" +
		"\r\n"
	if _, err := brw.WriteString(response); err != nil {
		raw.Close()
		return
	}
	if err := brw.Flush(); err != nil {
		raw.Close()
		return
	}

	c := &conn{raw: raw, brw: brw}
	if err := h.register(c); err != nil {
		h.log.Error("register push connection", "err", err)
		return
	}
	h.log.Debug("push connection opened", "remote", raw.RemoteAddr().String())
	c.readLoop()
	h.remove(c)
	h.log.Debug("push connection closed", "remote", raw.RemoteAddr().String())
}

// conn is one live push-socket peer. The write path is serialized by mu;
// reads happen only on the connection's own read loop goroutine.
type conn struct {
	raw net.Conn
	brw *bufio.ReadWriter

	mu     sync.Mutex
	closed bool
	ready  bool
	queued [][]byte
}

// send writes one text frame. Until the snapshot has gone out the frame is
// held back instead, so the snapshot stays the connection's first message.
// Any write fault marks the connection closed so later sends fail fast.
func (c *conn) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if !c.ready {
		c.queued = append(c.queued, payload)
		return nil
	}
	return c.writeFrame(wsproto.OpText, payload)
}

// sendSnapshot writes the snapshot frame, drains anything broadcast while it
// was being prepared and opens the connection for direct sends. A diff that
// raced with snapshot preparation can show up both inside the snapshot and
// as a held frame; consumers treat adds and removes as set operations.
func (c *conn) sendSnapshot(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if err := c.writeFrame(wsproto.OpText, payload); err != nil {
		return err
	}
	for _, held := range c.queued {
		if err := c.writeFrame(wsproto.OpText, held); err != nil {
			return err
		}
	}
	c.queued = nil
	c.ready = true
	return nil
}

// writeFrame writes and flushes one frame. Callers hold mu.
func (c *conn) writeFrame(opcode byte, payload []byte) error {
	if err := wsproto.WriteFrame(c.brw, opcode, payload); err != nil {
		c.closed = true
		return err
	}
	if err := c.brw.Flush(); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// readLoop services inbound frames until a close frame or a read fault.
// Pings are answered with pongs without surfacing to the application; the
// loop is iterative, so a peer streaming pings cannot grow the stack.
// Text frames from clients carry no application meaning and are dropped.
func (c *conn) readLoop() {
	for {
		frame, err := wsproto.ReadFrame(c.brw)
		if err != nil {
			c.markClosed()
			return
		}
		switch frame.Opcode {
		case wsproto.OpPing:
			if err := c.pong(frame.Payload); err != nil {
				return
			}
		case wsproto.OpClose:
			c.markClosed()
			return
		}
	}
}

func (c *conn) pong(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return c.writeFrame(wsproto.OpPong, payload)
}

func (c *conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// close sends a best-effort close frame and shuts the transport down.
func (c *conn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		_ = wsproto.WriteFrame(c.brw, wsproto.OpClose, nil)
		_ = c.brw.Flush()
	}
	c.mu.Unlock()
	c.raw.Close()
}
