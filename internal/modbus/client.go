package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
)

// Kind selects the Modbus table a read targets.
type Kind string

const (
	KindHolding   Kind = "holding"
	KindInput     Kind = "input"
	KindCoils     Kind = "coils"
	KindDiscretes Kind = "discretes"
)

// Valid reports whether the kind maps to a supported function code.
func (k Kind) Valid() bool {
	switch k {
	case KindHolding, KindInput, KindCoils, KindDiscretes:
		return true
	}
	return false
}

// IsBitKind reports whether reads of this kind return single bits.
func (k Kind) IsBitKind() bool {
	return k == KindCoils || k == KindDiscretes
}

// ReadRequest describes one register-range read in a single transaction.
type ReadRequest struct {
	Kind    Kind
	Address uint16
	Count   uint16
	UnitID  uint8
	Host    string
	Port    int
}

// Reader is the transport collaborator consumed by the poll orchestrator.
// Implementations must serialize request/response pairs per endpoint.
type Reader interface {
	Read(ctx context.Context, req ReadRequest) ([]uint16, error)
}

// Client reads registers over Modbus TCP. Transport handles are cached per
// host:port endpoint and reused across ticks; a per-endpoint mutex keeps one
// request in flight at a time so concurrent device polls sharing a gateway
// cannot interleave responses.
type Client struct {
	timeout time.Duration
	retries int
	logger  *log.Logger

	mu        sync.Mutex
	endpoints map[string]*endpoint
}

type endpoint struct {
	mu      sync.Mutex
	handler *mb.TCPClientHandler
	client  mb.Client
	open    bool
}

// NewClient constructs a transport client with the given per-request timeout
// and retry count.
func NewClient(timeout time.Duration, retries int, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Client{
		timeout:   timeout,
		retries:   retries,
		logger:    logger,
		endpoints: make(map[string]*endpoint),
	}
}

// Read performs one register-range read. Connectivity failures are retried
// up to the configured retry count with a reconnect in between; protocol
// errors are returned immediately.
func (c *Client) Read(ctx context.Context, req ReadRequest) ([]uint16, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("modbus client: invalid register kind %q", req.Kind)
	}
	if req.Count == 0 {
		return nil, fmt.Errorf("modbus client: zero read count")
	}

	ep := c.endpointFor(req.Host, req.Port)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.connect(ep); err != nil {
			lastErr = err
			continue
		}
		ep.handler.SlaveId = req.UnitID

		data, err := c.readOnce(ep.client, req)
		if err == nil {
			return unpack(req, data)
		}
		lastErr = err
		if KindOf(err) == ErrKindProtocol {
			return nil, err
		}
		// Stale connection; drop the handle and let the next attempt redial.
		ep.handler.Close()
		ep.open = false
		if c.logger != nil {
			c.logger.Printf("modbus read retry endpoint=%s:%d attempt=%d err=%v", req.Host, req.Port, attempt+1, err)
		}
	}
	return nil, lastErr
}

func (c *Client) endpointFor(host string, port int) *endpoint {
	key := fmt.Sprintf("%s:%d", host, port)

	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.endpoints[key]
	if !ok {
		handler := mb.NewTCPClientHandler(key)
		handler.Timeout = c.timeout
		ep = &endpoint{handler: handler, client: mb.NewClient(handler)}
		c.endpoints[key] = ep
	}
	return ep
}

func (c *Client) connect(ep *endpoint) error {
	if ep.open {
		return nil
	}
	if err := ep.handler.Connect(); err != nil {
		return err
	}
	ep.open = true
	return nil
}

func (c *Client) readOnce(client mb.Client, req ReadRequest) ([]byte, error) {
	switch req.Kind {
	case KindHolding:
		return client.ReadHoldingRegisters(req.Address, req.Count)
	case KindInput:
		return client.ReadInputRegisters(req.Address, req.Count)
	case KindCoils:
		return client.ReadCoils(req.Address, req.Count)
	default:
		return client.ReadDiscreteInputs(req.Address, req.Count)
	}
}

// Close tears down all cached endpoint handles.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range c.endpoints {
		ep.mu.Lock()
		if ep.open {
			ep.handler.Close()
			ep.open = false
		}
		ep.mu.Unlock()
	}
}

// unpack converts a raw response payload into one value per requested
// register or bit. Register payloads are big-endian byte pairs per the
// protocol; bit payloads are packed LSB-first.
func unpack(req ReadRequest, data []byte) ([]uint16, error) {
	count := int(req.Count)
	if req.Kind.IsBitKind() {
		if len(data)*8 < count {
			return nil, fmt.Errorf("modbus client: short bit response: %d bytes for %d bits", len(data), count)
		}
		bits := make([]uint16, count)
		for i := 0; i < count; i++ {
			bits[i] = uint16(data[i/8] >> (uint(i) % 8) & 0x01)
		}
		return bits, nil
	}
	if len(data) < count*2 {
		return nil, fmt.Errorf("modbus client: short register response: %d bytes for %d registers", len(data), count)
	}
	words := make([]uint16, count)
	for i := 0; i < count; i++ {
		words[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}
	return words, nil
}
