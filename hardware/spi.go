// Package hardware binds the bus abstraction to the host's SPI controller
// and GPIO character device.
package hardware

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/linht/uwb-ranging/bus"
)

var hostInit sync.Once

var _ bus.Bus = (*SPIBus)(nil)

// SPIBus is a raw SPI port using periph.io. Chip-select is not driven by the
// controller; bus.Device toggles it through a GPIO line.
type SPIBus struct {
	mu     sync.Mutex
	conn   spi.Conn
	port   spi.PortCloser
	device string
	speed  physic.Frequency
}

// OpenSPI opens device in mode 0 at hz.
func OpenSPI(device string, hz uint32) (*SPIBus, error) {
	var initErr error
	hostInit.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize periph.io: %w", initErr)
	}

	port, err := spireg.Open(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI device %s: %w", device, err)
	}

	speed := physic.Frequency(hz) * physic.Hertz
	conn, err := port.Connect(speed, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect to SPI device: %w", err)
	}

	return newSPIBus(conn, port, device, speed), nil
}

func newSPIBus(conn spi.Conn, port spi.PortCloser, device string, speed physic.Frequency) *SPIBus {
	return &SPIBus{
		conn:   conn,
		port:   port,
		device: device,
		speed:  speed,
	}
}

// Close releases the port.
func (s *SPIBus) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.conn = nil
	return err
}

// Read clocks out zeros and stores what the peripheral sends.
func (s *SPIBus) Read(ctx context.Context, buf []byte) error {
	return s.tx(ctx, make([]byte, len(buf)), buf)
}

// Write sends buf and discards the incoming bytes.
func (s *SPIBus) Write(ctx context.Context, buf []byte) error {
	return s.tx(ctx, buf, nil)
}

// Transfer clocks max(len(read), len(write)) bytes. The shorter side is
// padded with zeros on output and truncated on input.
func (s *SPIBus) Transfer(ctx context.Context, read, write []byte) error {
	n := max(len(read), len(write))
	if n == 0 {
		return nil
	}
	if len(read) == n && len(write) == n {
		return s.tx(ctx, write, read)
	}

	w := make([]byte, n)
	copy(w, write)
	r := make([]byte, n)
	if err := s.tx(ctx, w, r); err != nil {
		return err
	}
	copy(read, r)
	return nil
}

// TransferInPlace sends buf and replaces it with the received bytes.
func (s *SPIBus) TransferInPlace(ctx context.Context, buf []byte) error {
	w := make([]byte, len(buf))
	copy(w, buf)
	return s.tx(ctx, w, buf)
}

// Flush returns immediately: periph transfers are synchronous, so nothing is
// queued once Tx has returned.
func (s *SPIBus) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Info describes the port for diagnostics.
func (s *SPIBus) Info() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Sprintf("Device: %s (closed)", s.device)
	}
	return fmt.Sprintf("Device: %s, Speed: %s", s.device, s.speed)
}

func (s *SPIBus) tx(ctx context.Context, w, r []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(w) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("SPI device not open")
	}
	if err := s.conn.Tx(w, r); err != nil {
		return fmt.Errorf("SPI transfer failed: %w", err)
	}
	return nil
}
