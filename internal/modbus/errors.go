package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"

	mb "github.com/goburrow/modbus"
)

// DecodeError reports a register decode failure (word-count or type mismatch).
type DecodeError struct {
	DataType DataType
	Want     int
	Got      int
	Reason   string
}

func (e *DecodeError) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("modbus decode %s: %s (want %d words, got %d)", e.DataType, e.Reason, e.Want, e.Got)
	}
	return fmt.Sprintf("modbus decode %s: %s", e.DataType, e.Reason)
}

// ErrorKind classifies a transport read failure.
type ErrorKind string

const (
	ErrKindConnectivity ErrorKind = "connectivity"
	ErrKindProtocol     ErrorKind = "protocol"
	ErrKindTimeout      ErrorKind = "timeout"
	ErrKindUnknown      ErrorKind = "unknown"
)

// exceptionMessages follows the Modbus application protocol exception codes.
var exceptionMessages = map[byte]string{
	1: "illegal function",
	2: "illegal data address",
	3: "illegal data value",
	4: "server device failure",
	5: "acknowledge",
	6: "server device busy",
}

// KindOf classifies a transport error into connectivity, protocol or timeout.
// Protocol errors are Modbus exception responses from the server; everything
// network-level is connectivity unless the error reports a timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrKindUnknown
	}
	var mbErr *mb.ModbusError
	if errors.As(err, &mbErr) {
		return ErrKindProtocol
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrKindTimeout
		}
		return ErrKindConnectivity
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrKindConnectivity
	}
	return ErrKindUnknown
}

// DescribeError renders a transport error with endpoint context for logs and
// poll results.
func DescribeError(err error, host string, port int) string {
	if err == nil {
		return ""
	}
	var mbErr *mb.ModbusError
	if errors.As(err, &mbErr) {
		msg, ok := exceptionMessages[mbErr.ExceptionCode]
		if !ok {
			msg = fmt.Sprintf("exception code %d", mbErr.ExceptionCode)
		}
		return fmt.Sprintf("modbus protocol error from %s:%d: %s", host, port, msg)
	}
	switch KindOf(err) {
	case ErrKindTimeout:
		return fmt.Sprintf("modbus request to %s:%d timed out: %v", host, port, err)
	case ErrKindConnectivity:
		return fmt.Sprintf("failed to reach modbus server at %s:%d: %v", host, port, err)
	default:
		return fmt.Sprintf("modbus read from %s:%d failed: %v", host, port, err)
	}
}
