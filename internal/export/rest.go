package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"anpr-edge/internal/domain/anpr"
)

// RESTSink POSTs each event encoded with its codec, JSON by default. Any
// non-2xx status is a failure.
type RESTSink struct {
	name     string
	endpoint string
	auth     Auth
	codec    Codec
	client   *http.Client
}

func NewRESTSink(name, endpoint string, auth Auth, codec Codec, client *http.Client) *RESTSink {
	if client == nil {
		client = &http.Client{}
	}
	return &RESTSink{name: name, endpoint: endpoint, auth: auth, codec: codec, client: client}
}

func (s *RESTSink) Name() string { return s.name }

func (s *RESTSink) Send(ctx context.Context, event anpr.PlateEvent) error {
	body, err := s.codec.Encode(event)
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", ErrDeliveryFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", s.codec.ContentType())
	req.Header.Set("Idempotency-Key", event.ID.String())
	setAuth(req.Header, s.auth)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post %s: %v", ErrDeliveryFailed, s.endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrDeliveryFailed, s.endpoint, resp.StatusCode)
	}
	return nil
}

func setAuth(h http.Header, auth Auth) {
	switch {
	case auth.Token != "":
		h.Set("Authorization", "Bearer "+auth.Token)
	case auth.Username != "":
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		h.Set("Authorization", "Basic "+cred)
	}
}
