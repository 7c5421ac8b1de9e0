package actor

import (
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// Websocket close codes used by grains and the runtime.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// Conn is a live bidirectional connection owned by one actor instance.
// Implementations must be safe to call from the instance goroutine while the
// transport reads concurrently.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close(code int, reason string) error
}

// SocketOpened is delivered once a connection upgrade succeeded. Returning an
// error from Receive rejects the connection.
type SocketOpened struct {
	Conn   Conn
	Params url.Values
}

// SocketMessage carries one inbound text frame.
type SocketMessage struct {
	Conn Conn
	Data []byte
}

// SocketClosed is delivered when the peer closed the connection or the
// connection was closed locally.
type SocketClosed struct {
	Conn   Conn
	Code   int
	Reason string
}

// SocketErrored is delivered when the transport failed. Grains treat it like a
// close for cleanup purposes.
type SocketErrored struct {
	Conn Conn
	Err  error
}

// Wake is delivered when a scheduled wake fires. At is the time the wake was
// scheduled for, not the time it was delivered.
type Wake struct {
	At time.Time
}

// Encode marshals an outbound envelope.
func Encode(envelope any) ([]byte, error) {
	return json.Marshal(envelope)
}

// SendJSON marshals and sends an envelope on a single connection.
func SendJSON(conn Conn, envelope any) error {
	payload, err := Encode(envelope)
	if err != nil {
		return err
	}
	return conn.Send(payload)
}
