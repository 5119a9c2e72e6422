package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
	"github.com/kernelforge/kernelmgr/internal/events"
	"github.com/kernelforge/kernelmgr/internal/logging"
)

func init() {
	gob.Register(events.StreamPayload{})
	gob.Register(events.DisplayDataPayload{})
	gob.Register(events.ExecuteResultPayload{})
	gob.Register(events.ExecuteErrorPayload{})
}

// compressionThreshold is the encoded-frame size above which a WSTransport
// brotli-compresses the wire payload (spec §4.3a).
const compressionThreshold = 1024

// wireKind tags an outbound frame.
type wireKind string

const (
	wireExecute   wireKind = "EXECUTE"
	wireInterrupt wireKind = "INTERRUPT"
	wireDispose   wireKind = "DISPOSE"
)

// outboundFrame is gob-encoded and sent over the websocket to the worker.
type outboundFrame struct {
	Kind        wireKind
	ExecutionID int64
	Code        string
}

// inboundFrame is gob-decoded from the websocket; Kind and Payload mirror
// InboundMessage (Payload typed per the gob.Register calls above).
type inboundFrame struct {
	Kind        InboundKind
	ExecutionID int64
	Payload     any
}

// WSTransport is the out-of-process worker transport: messages cross a
// websocket connection to an external worker, gob-encoded and
// brotli-compressed above compressionThreshold (spec §4.3a). Grounded on
// gorilla/websocket's client dialer; no teacher analogue existed for an
// out-of-process worker, so the wire shape is new but the duplex-channel
// contract it implements is the same as ChannelTransport's.
type WSTransport struct {
	conn *websocket.Conn
	log  *logging.Logger

	inbound chan InboundMessage

	mu       sync.Mutex
	disposed bool
}

// DialWSTransport connects to a worker's websocket endpoint and starts the
// inbound read loop. The caller is responsible for having already requested
// that the worker build the right (mode, language) interpreter out of band
// (e.g. via the endpoint path or an initial handshake frame); this transport
// sends no handshake of its own.
func DialWSTransport(ctx context.Context, url string) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial worker: %w", err)
	}
	t := &WSTransport{
		conn:    conn,
		log:     logging.New("transport.ws"),
		inbound: make(chan InboundMessage, 64),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) readLoop() {
	defer close(t.inbound)
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if !t.isDisposed() {
				t.log.Warn("worker connection read failed", logging.Err(err))
			}
			return
		}
		frame, err := decodeFrame(raw)
		if err != nil {
			t.log.Error("failed to decode worker frame", logging.Err(err))
			continue
		}
		t.inbound <- InboundMessage{Kind: frame.Kind, ExecutionID: frame.ExecutionID, Payload: frame.Payload}
	}
}

func (t *WSTransport) isDisposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}

// Execute implements Transport.
func (t *WSTransport) Execute(executionID int64, code string) error {
	return t.send(outboundFrame{Kind: wireExecute, ExecutionID: executionID, Code: code})
}

// Interrupt implements Transport.
func (t *WSTransport) Interrupt() error {
	return t.send(outboundFrame{Kind: wireInterrupt})
}

// Dispose implements Transport. Idempotent.
func (t *WSTransport) Dispose() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil
	}
	t.disposed = true
	t.mu.Unlock()

	_ = t.send(outboundFrame{Kind: wireDispose})
	deadline := time.Now().Add(2 * time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

// Inbound implements Transport.
func (t *WSTransport) Inbound() <-chan InboundMessage {
	return t.inbound
}

func (t *WSTransport) send(frame outboundFrame) error {
	raw, err := encodeFrame(frame)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, raw)
}

// frame wire format: one header byte (0 = raw gob, 1 = brotli-compressed
// gob) followed by the (possibly compressed) gob stream.
const (
	frameFlagRaw        byte = 0
	frameFlagCompressed byte = 1
)

func encodeFrame(frame outboundFrame) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frame); err != nil {
		return nil, err
	}
	raw := buf.Bytes()
	if len(raw) <= compressionThreshold {
		return append([]byte{frameFlagRaw}, raw...), nil
	}

	var compressed bytes.Buffer
	w := brotli.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return append([]byte{frameFlagCompressed}, compressed.Bytes()...), nil
}

func decodeFrame(raw []byte) (inboundFrame, error) {
	var frame inboundFrame
	if len(raw) == 0 {
		return frame, fmt.Errorf("empty frame")
	}
	body := raw[1:]
	var r io.Reader = bytes.NewReader(body)
	if raw[0] == frameFlagCompressed {
		r = brotli.NewReader(bytes.NewReader(body))
	}
	if err := gob.NewDecoder(r).Decode(&frame); err != nil {
		return frame, err
	}
	return frame, nil
}
