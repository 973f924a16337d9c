// Package chat provides a client for the group chat wire protocol.
package chat

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/eldtechnologies/groupchat/internal/protocol"
)

// Client is a connection to a chat engine or an admin supervisor.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Send writes text as one frame.
func (c *Client) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteText(c.conn, text)
}

// SendRaw writes a frame with an explicit version.
func (c *Client) SendRaw(version uint8, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, version, payload)
}

// Receive blocks for the next frame and returns its payload, minus one
// trailing newline.
func (c *Client) Receive() (string, error) {
	frame, err := protocol.ReadFrame(c.conn, protocol.MaxPayload)
	if err != nil {
		return "", err
	}
	return frame.Text(), nil
}

// ReceiveWithin is Receive with a deadline.
func (c *Client) ReceiveWithin(d time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return "", err
	}
	defer c.conn.SetReadDeadline(time.Time{})
	return c.Receive()
}

// Conn returns the underlying connection.
func (c *Client) Conn() net.Conn {
	return c.conn
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
