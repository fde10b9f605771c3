package comport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/SitinCloud/Owlyshield/internal/irp"
)

// Client is the agent side of the control-port conversation.
type Client struct {
	conn net.Conn
}

// Dial connects to the control port at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing control port %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close disconnects from the port. The filter drops the agent session.
func (c *Client) Close() error {
	return c.conn.Close()
}

// request performs one request/reply round trip, advertising outCap as
// the output-buffer capacity.
func (c *Client) request(msg Message, outCap uint32) (uint32, []byte, error) {
	frame := make([]byte, RequestFrameSize)
	binary.LittleEndian.PutUint32(frame[0:], outCap)
	msg.EncodeTo(frame[4:])
	if _, err := c.conn.Write(frame); err != nil {
		return 0, nil, fmt.Errorf("sending request: %w", err)
	}

	hdr := make([]byte, ReplyHeaderSize)
	if _, err := io.ReadFull(c.conn, hdr); err != nil {
		return 0, nil, fmt.Errorf("reading reply header: %w", err)
	}
	status := binary.LittleEndian.Uint32(hdr[0:])
	length := binary.LittleEndian.Uint32(hdr[4:])
	if length > irp.MaxBatchSize {
		return 0, nil, fmt.Errorf("reply payload of %d bytes exceeds protocol maximum", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, fmt.Errorf("reading reply payload: %w", err)
	}
	return status, payload, nil
}

// AddScanDirectory asks the filter to watch prefix. Returns whether the
// prefix was inserted.
func (c *Client) AddScanDirectory(prefix string) (bool, error) {
	status, payload, err := c.request(Message{Type: MsgAddScanDirectory, Path: prefix}, outCapBoolean)
	if err != nil {
		return false, err
	}
	if status != StatusSuccess || len(payload) != 1 {
		return false, fmt.Errorf("add scan directory: status 0x%08X", status)
	}
	return payload[0] != 0, nil
}

// RemoveScanDirectory asks the filter to stop watching the root matching
// path. Returns whether an entry was removed.
func (c *Client) RemoveScanDirectory(path string) (bool, error) {
	status, payload, err := c.request(Message{Type: MsgRemoveScanDirectory, Path: path}, outCapBoolean)
	if err != nil {
		return false, err
	}
	if status != StatusSuccess || len(payload) != 1 {
		return false, fmt.Errorf("remove scan directory: status 0x%08X", status)
	}
	return payload[0] != 0, nil
}

// SetAgent registers this agent's pid and the system-root path, turning
// event production on.
func (c *Client) SetAgent(pid uint32, systemRoot string) error {
	status, _, err := c.request(Message{Type: MsgSetAgent, PID: pid, Path: systemRoot}, 0)
	if err != nil {
		return err
	}
	if status != StatusSuccess {
		return fmt.Errorf("set agent: status 0x%08X", status)
	}
	return nil
}

// GetOps drains the filter's event queue and returns the recovered
// records in FIFO order.
func (c *Client) GetOps() ([]irp.Record, error) {
	status, payload, err := c.request(Message{Type: MsgGetOps}, irp.MaxBatchSize)
	if err != nil {
		return nil, err
	}
	if status != StatusSuccess {
		return nil, fmt.Errorf("get ops: status 0x%08X", status)
	}
	return irp.ParseBatch(payload)
}

// TerminateGroup asks the filter to stop every process in the group. The
// returned code is StatusSuccess, or one of the negative sentinels
// (StatusNoSuchGroup, StatusFailCheck, StatusMemoryNotAllocated).
func (c *Client) TerminateGroup(gidVal uint64) (uint32, error) {
	status, payload, err := c.request(Message{Type: MsgTerminateGroup, Gid: gidVal}, outCapTerminate)
	if err != nil {
		return 0, err
	}
	if status != StatusSuccess || len(payload) != 4 {
		return 0, fmt.Errorf("terminate group: status 0x%08X", status)
	}
	return binary.LittleEndian.Uint32(payload), nil
}
