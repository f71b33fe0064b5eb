package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends control commands to a running loop
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a control client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    10 * time.Second,
	}
}

// SocketPath returns the socket this client talks to
func (c *Client) SocketPath() string {
	return c.socketPath
}

// SetTimeout sets the client timeout for commands
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command and waits for the response
func (c *Client) SendCommand(cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to loop (is it running?): %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Status requests the current loop status
func (c *Client) Status() (*Response, error) {
	return c.SendCommand(Command{Type: CmdStatus, Timestamp: time.Now()})
}

// Stop requests a graceful stop at the next iteration boundary
func (c *Client) Stop() (*Response, error) {
	return c.SendCommand(Command{Type: CmdStop, Timestamp: time.Now()})
}

// Halt requests an immediate emergency stop
func (c *Client) Halt(reason string) (*Response, error) {
	return c.SendCommand(Command{Type: CmdHalt, Reason: reason, Timestamp: time.Now()})
}

// Stats requests repair engine statistics
func (c *Client) Stats() (*Response, error) {
	return c.SendCommand(Command{Type: CmdStats, Timestamp: time.Now()})
}
