package katcp

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/signalsfoundry/snap-bringup/model"
)

// fakeDaemon speaks scripted replies over a real TCP socket.
type fakeDaemon struct {
	ln net.Listener
	// handle maps request name to reply lines (without trailing newline).
	handle map[string]func(args []string) []string

	requests []string
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDaemon{ln: ln, handle: map[string]func([]string) []string{}}
	t.Cleanup(func() { ln.Close() })
	go d.serve()
	return d
}

func (d *fakeDaemon) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				line := sc.Text()
				if !strings.HasPrefix(line, "?") {
					continue
				}
				d.requests = append(d.requests, line)
				fields := strings.Split(line[1:], " ")
				h := d.handle[fields[0]]
				if h == nil {
					conn.Write([]byte("!" + fields[0] + " invalid unknown-request\n"))
					continue
				}
				for _, reply := range h(fields[1:]) {
					conn.Write([]byte(reply + "\n"))
				}
			}
		}(conn)
	}
}

func (d *fakeDaemon) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), d.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReadRegister(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle["read"] = func(args []string) []string {
		if args[0] != "sys_clkcounter" || args[1] != "0" || args[2] != "4" {
			t.Errorf("unexpected read args %v", args)
		}
		// 0x0000002a with the zero bytes escaped.
		return []string{`!read ok \0\0\0*`}
	}
	c := d.dial(t)

	v, err := c.ReadRegister(context.Background(), "sys_clkcounter")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}

func TestWriteRegisterEscapesPayload(t *testing.T) {
	d := newFakeDaemon(t)
	var got string
	d.handle["write"] = func(args []string) []string {
		got = strings.Join(args, " ")
		return []string{"!write ok"}
	}
	c := d.dial(t)

	// 0x00200a09 exercises null, space, newline and tab escapes.
	if err := c.WriteRegister(context.Background(), "tx_en", 0x00200a09); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got != `tx_en 0 \0\_\n\t` {
		t.Errorf("unexpected wire form %q", got)
	}
}

func TestFailReplyBecomesTransportError(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle["read"] = func(args []string) []string {
		return []string{"!read fail register\\_not\\_found"}
	}
	c := d.dial(t)

	_, err := c.ReadRegister(context.Background(), "nope")
	if !model.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "register not found") {
		t.Errorf("daemon message lost: %v", err)
	}
}

func TestRefreshMetadataValidatesLookups(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle["listdev"] = func(args []string) []string {
		return []string{"#listdev fft_shift", "#listdev gbe1", "!listdev ok"}
	}
	d.handle["read"] = func(args []string) []string {
		return []string{`!read ok \0\0\0\0`}
	}
	c := d.dial(t)

	if err := c.RefreshMetadata(context.Background(), "x.fpg"); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if _, err := c.ReadRegister(context.Background(), "fft_shift"); err != nil {
		t.Errorf("known device rejected: %v", err)
	}
	if _, err := c.ReadRegister(context.Background(), "bogus"); err == nil {
		t.Errorf("unknown device accepted")
	}
}

func TestAwaitSkipsUnrelatedInforms(t *testing.T) {
	d := newFakeDaemon(t)
	d.handle["watchdog"] = func(args []string) []string {
		return []string{"#log info board\\_alive", "!watchdog ok"}
	}
	c := d.dial(t)

	if !c.Connected(context.Background()) {
		t.Errorf("watchdog reply not recognised")
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("plain"),
		[]byte("with space"),
		{0x00, 0x0a, 0x0d, 0x09, 0x1b, 0x5c},
	}
	for _, p := range payloads {
		got := unescape(escape(p))
		if !bytes.Equal(got, p) {
			t.Errorf("round trip mangled % x into % x", p, got)
		}
	}
}
