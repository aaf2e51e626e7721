// Package katcp implements the board transport over the KATCP line protocol
// spoken by the board's control daemon. One Client owns one TCP connection
// and serializes requests on it; the protocol allows a single outstanding
// request per connection.
package katcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/signalsfoundry/snap-bringup/internal/logging"
	"github.com/signalsfoundry/snap-bringup/model"
)

const (
	// DefaultPort is the control daemon's listen port.
	DefaultPort = 7147
	// defaultUploadPort is where the daemon accepts bitstream uploads.
	defaultUploadPort = 3000

	defaultTimeout = 30 * time.Second
)

// Client is a HardwareLink over one KATCP connection.
type Client struct {
	addr       string
	uploadPort int
	timeout    time.Duration
	log        logging.Logger

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader

	// devices is the register map resolved by the last RefreshMetadata.
	// Empty until then; lookups are not validated against it when empty so
	// a client is usable against a board programmed out of band.
	devices map[string]struct{}
}

// Option adjusts a Client before it connects.
type Option func(*Client)

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithUploadPort overrides the bitstream upload port.
func WithUploadPort(port int) Option {
	return func(c *Client) { c.uploadPort = port }
}

// WithLogger attaches a logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Dial connects to the board's control daemon. addr is host or host:port;
// a bare host gets the default port.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:       addr,
		uploadPort: defaultUploadPort,
		timeout:    defaultTimeout,
		log:        logging.Noop(),
	}
	for _, o := range opts {
		o(c)
	}
	if _, _, err := net.SplitHostPort(c.addr); err != nil {
		c.addr = net.JoinHostPort(c.addr, strconv.Itoa(DefaultPort))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, &model.TransportError{Op: "connect", Err: err}
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.log.Debug(ctx, "katcp connected", logging.String("addr", c.addr))
	return c, nil
}

// Close tears down the connection. The client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Program uploads the local bitstream file and programs the FPGA with it.
// The daemon opens a side channel for the payload; the request completes
// once programming finishes.
func (c *Client) Program(ctx context.Context, bitstream string) error {
	f, err := os.Open(bitstream)
	if err != nil {
		return &model.TransportError{Op: "program", Err: err}
	}
	defer f.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, "upload", []byte(strconv.Itoa(c.uploadPort))); err != nil {
		return &model.TransportError{Op: "program", Err: err}
	}

	host, _, _ := net.SplitHostPort(c.addr)
	var d net.Dialer
	up, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(c.uploadPort)))
	if err != nil {
		return &model.TransportError{Op: "program", Err: fmt.Errorf("upload channel: %w", err)}
	}
	n, err := io.Copy(up, f)
	up.Close()
	if err != nil {
		return &model.TransportError{Op: "program", Err: fmt.Errorf("upload after %d bytes: %w", n, err)}
	}
	c.log.Info(ctx, "bitstream uploaded",
		logging.String("file", bitstream), logging.Int("bytes", int(n)))

	// Programming a large image takes a while; honour the caller's deadline
	// rather than the request default.
	if _, err := c.await(ctx, "upload"); err != nil {
		return &model.TransportError{Op: "program", Err: err}
	}
	return nil
}

// RefreshMetadata re-reads the device list from the freshly programmed
// gateware. Register lookups made before this see the stale map.
func (c *Client) RefreshMetadata(ctx context.Context, bitstream string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, "listdev"); err != nil {
		return &model.TransportError{Op: "metadata", Err: err}
	}
	informs, err := c.await(ctx, "listdev")
	if err != nil {
		return &model.TransportError{Op: "metadata", Err: err}
	}
	devices := make(map[string]struct{}, len(informs))
	for _, inf := range informs {
		if len(inf) > 0 {
			devices[string(inf[0])] = struct{}{}
		}
	}
	c.devices = devices
	c.log.Debug(ctx, "register map refreshed", logging.Int("devices", len(devices)))
	return nil
}

func (c *Client) ReadRegister(ctx context.Context, name string) (uint32, error) {
	b, err := c.ReadBlock(ctx, name, 4)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, &model.TransportError{Op: "read", Name: name,
			Err: fmt.Errorf("short read: %d bytes", len(b))}
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *Client) WriteRegister(ctx context.Context, name string, value uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], value)
	return c.WriteBlock(ctx, name, 0, b[:])
}

func (c *Client) ReadBlock(ctx context.Context, name string, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkDevice(name); err != nil {
		return nil, &model.TransportError{Op: "read", Name: name, Err: err}
	}
	if err := c.send(ctx, "read", []byte(name), []byte("0"), []byte(strconv.Itoa(n))); err != nil {
		return nil, &model.TransportError{Op: "read", Name: name, Err: err}
	}
	informs, err := c.await(ctx, "read")
	if err != nil {
		return nil, &model.TransportError{Op: "read", Name: name, Err: err}
	}
	// The payload rides on the reply's first argument, delivered through
	// await as a trailing pseudo-inform.
	if len(informs) == 0 || len(informs[len(informs)-1]) == 0 {
		return nil, &model.TransportError{Op: "read", Name: name, Err: fmt.Errorf("empty reply")}
	}
	return informs[len(informs)-1][0], nil
}

func (c *Client) WriteBlock(ctx context.Context, name string, offset int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkDevice(name); err != nil {
		return &model.TransportError{Op: "write", Name: name, Err: err}
	}
	if err := c.send(ctx, "write", []byte(name), []byte(strconv.Itoa(offset)), data); err != nil {
		return &model.TransportError{Op: "write", Name: name, Err: err}
	}
	if _, err := c.await(ctx, "write"); err != nil {
		return &model.TransportError{Op: "write", Name: name, Err: err}
	}
	return nil
}

// Connected pings the daemon's watchdog.
func (c *Client) Connected(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	if err := c.send(ctx, "watchdog"); err != nil {
		return false
	}
	_, err := c.await(ctx, "watchdog")
	return err == nil
}

func (c *Client) checkDevice(name string) error {
	if len(c.devices) == 0 {
		return nil
	}
	if _, ok := c.devices[name]; !ok {
		return fmt.Errorf("no such device in register map")
	}
	return nil
}

// send writes one request line. Callers hold c.mu.
func (c *Client) send(ctx context.Context, name string, args ...[]byte) error {
	if c.conn == nil {
		return fmt.Errorf("connection closed")
	}
	if err := c.setDeadline(ctx); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteByte('?')
	buf.WriteString(name)
	for _, a := range args {
		buf.WriteByte(' ')
		buf.Write(escape(a))
	}
	buf.WriteByte('\n')
	_, err := c.conn.Write(buf.Bytes())
	return err
}

// await reads lines until the reply for name arrives, collecting the
// arguments of matching informs. A "fail" or "invalid" reply becomes an
// error carrying the daemon's message. The reply's own arguments (beyond the
// status word) are appended as a final inform so callers can reach payloads
// delivered on the reply line.
func (c *Client) await(ctx context.Context, name string) ([][][]byte, error) {
	var informs [][][]byte
	for {
		if err := c.setDeadline(ctx); err != nil {
			return nil, err
		}
		line, err := c.br.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		kind, msg, args := parseLine(line)
		if msg != name {
			// Asynchronous informs (log messages, sensor updates) are
			// not ours to consume beyond skipping them.
			continue
		}
		switch kind {
		case '#':
			informs = append(informs, args)
		case '!':
			if len(args) == 0 {
				return nil, fmt.Errorf("%s: malformed reply", name)
			}
			if status := string(args[0]); status != "ok" {
				detail := ""
				if len(args) > 1 {
					detail = ": " + string(bytes.Join(args[1:], []byte(" ")))
				}
				return nil, fmt.Errorf("%s %s%s", name, status, detail)
			}
			if len(args) > 1 {
				informs = append(informs, args[1:])
			}
			return informs, nil
		}
	}
}

func (c *Client) setDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dl := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	return c.conn.SetDeadline(dl)
}

// parseLine splits a protocol line into its kind byte, message name and
// unescaped arguments.
func parseLine(line []byte) (kind byte, name string, args [][]byte) {
	kind = line[0]
	fields := bytes.Split(line[1:], []byte(" "))
	name = string(fields[0])
	for _, f := range fields[1:] {
		if len(f) == 0 {
			continue
		}
		args = append(args, unescape(f))
	}
	return kind, name, args
}

// escape applies the protocol's backslash escaping so binary payloads
// survive the whitespace-delimited line format.
func escape(arg []byte) []byte {
	if len(arg) == 0 {
		return []byte(`\@`)
	}
	var out []byte
	for _, b := range arg {
		switch b {
		case '\\':
			out = append(out, '\\', '\\')
		case ' ':
			out = append(out, '\\', '_')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		case '\t':
			out = append(out, '\\', 't')
		case 0x00:
			out = append(out, '\\', '0')
		case 0x1b:
			out = append(out, '\\', 'e')
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescape(arg []byte) []byte {
	if bytes.Equal(arg, []byte(`\@`)) {
		return nil
	}
	var out []byte
	for i := 0; i < len(arg); i++ {
		if arg[i] != '\\' || i+1 == len(arg) {
			out = append(out, arg[i])
			continue
		}
		i++
		switch arg[i] {
		case '\\':
			out = append(out, '\\')
		case '_':
			out = append(out, ' ')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case '0':
			out = append(out, 0x00)
		case 'e':
			out = append(out, 0x1b)
		default:
			out = append(out, '\\', arg[i])
		}
	}
	return out
}
