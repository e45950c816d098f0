package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/utils"
)

// NopSink discards notifications.
type NopSink struct{}

func (NopSink) Deliver(context.Context, *Notification) error { return nil }

type WebhookSinkOpts struct {
	// URL receives rendered notifications as JSON POSTs.
	// Cannot be empty.
	URL string

	// Timeout bounds one delivery. Default is 5s.
	Timeout time.Duration

	// Logger is the *zap.Logger for this sink.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *WebhookSinkOpts) Init() error {
	if len(opts.URL) == 0 {
		return fmt.Errorf("empty webhook url")
	}
	utils.SetDefaultNum(&opts.Timeout, time.Second*5)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// WebhookSink POSTs notifications to the app shell's callback endpoint.
type WebhookSink struct {
	opts WebhookSinkOpts
	hc   *http.Client
}

var _ Sink = (*WebhookSink)(nil)

func NewWebhookSink(opts WebhookSinkOpts) (*WebhookSink, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &WebhookSink{
		opts: opts,
		hc:   &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (s *WebhookSink) Deliver(ctx context.Context, n *Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	s.opts.Logger.Debug("notification delivered", zap.String("title", n.Title))
	return nil
}
