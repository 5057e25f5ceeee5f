package export

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"anpr-edge/internal/domain/anpr"
)

// WebSocketSink opens a connection per event and writes it as one text
// message.
type WebSocketSink struct {
	name     string
	endpoint string
	auth     Auth
}

func NewWebSocketSink(name, endpoint string, auth Auth) *WebSocketSink {
	return &WebSocketSink{name: name, endpoint: endpoint, auth: auth}
}

func (s *WebSocketSink) Name() string { return s.name }

func (s *WebSocketSink) Send(ctx context.Context, event anpr.PlateEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", ErrDeliveryFailed, err)
	}

	header := http.Header{}
	setAuth(header, s.auth)
	conn, resp, err := websocket.Dial(ctx, s.endpoint, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrDeliveryFailed, s.endpoint, err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrDeliveryFailed, s.endpoint, err)
	}
	// The message is out once Write returns; a slow close handshake is not a
	// delivery failure.
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
