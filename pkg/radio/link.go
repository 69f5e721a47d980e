package radio

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Link is a raw byte stream to the radio. Frames are layered on top.
type Link interface {
	io.ReadWriteCloser
}

// Dialer establishes a Link. Implementations exist for TCP and serial,
// tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
	// Target describes where this dialer connects, for logging.
	Target() string
}

type tcpDialer struct {
	addr string
}

// NewTCPDialer dials the radio's network API, conventionally port 4403.
func NewTCPDialer(host string, port int) Dialer {
	return &tcpDialer{addr: net.JoinHostPort(host, fmt.Sprintf("%d", port))}
}

func (d *tcpDialer) Target() string { return d.addr }

func (d *tcpDialer) Dial(ctx context.Context) (Link, error) {
	var nd net.Dialer
	nd.Timeout = 10 * time.Second
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

type serialDialer struct {
	device string
}

// NewSerialDialer opens the radio over USB serial. An empty device path
// means try to auto-detect one.
func NewSerialDialer(device string) Dialer {
	return &serialDialer{device: device}
}

func (d *serialDialer) Target() string {
	if d.device == "" {
		return "serial auto-detect"
	}
	return d.device
}

func (d *serialDialer) Dial(ctx context.Context) (Link, error) {
	device := d.device
	if device == "" {
		detected, err := detectSerialDevice()
		if err != nil {
			return nil, err
		}
		device = detected
	}

	mode := &serial.Mode{BaudRate: 115200}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}

	// Wake the device's serial console so it starts speaking protobufs
	wake := make([]byte, 32)
	for i := range wake {
		wake[i] = frameStart2
	}
	if _, err := port.Write(wake); err != nil {
		port.Close()
		return nil, fmt.Errorf("waking %s: %w", device, err)
	}
	time.Sleep(100 * time.Millisecond)

	return port, nil
}

// detectSerialDevice picks the first port that looks like a USB radio.
func detectSerialDevice() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("listing serial ports: %w", err)
	}
	for _, p := range ports {
		lower := strings.ToLower(p)
		for _, hint := range []string{"ttyusb", "ttyacm", "usbserial", "usbmodem", "wchusbserial"} {
			if strings.Contains(lower, hint) {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("no serial device found among %d ports", len(ports))
}
