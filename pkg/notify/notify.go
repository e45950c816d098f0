// Package notify renders push payloads into user notifications and
// routes the user's action selection back into the application.
// Notifications are best-effort UX: nothing is persisted, a failed
// delivery is dropped.
package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/utils"
)

// The fixed action set every notification carries.
const (
	ActionOpen  = "open"
	ActionClose = "close"
)

var nopLogger = zap.NewNop()

// Action is one tappable notification action.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is a rendered, ephemeral notification intent. It is
// delivered once and discarded.
type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Actions []Action `json:"actions"`
}

// Sink delivers a rendered notification to the user-facing side.
type Sink interface {
	Deliver(ctx context.Context, n *Notification) error
}

type DispatcherOpts struct {
	// Sink cannot be nil.
	Sink Sink

	// Title is the fixed notification title.
	// Default is "Mobile App".
	Title string

	// DefaultBody is used when the push payload is empty.
	// Default is "New notification".
	DefaultBody string

	// Icon and Badge are asset paths rendered with the notification.
	Icon  string
	Badge string

	// OpenTarget is the view opened on the "open" action.
	// Default is "/mobile".
	OpenTarget string

	// Logger is the *zap.Logger for this Dispatcher.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *DispatcherOpts) Init() error {
	if opts.Sink == nil {
		return errors.New("nil sink")
	}
	utils.SetDefaultString(&opts.Title, "Mobile App")
	utils.SetDefaultString(&opts.DefaultBody, "New notification")
	utils.SetDefaultString(&opts.OpenTarget, "/mobile")
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Dispatcher struct {
	opts DispatcherOpts
}

func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Dispatcher{opts: opts}, nil
}

// Render builds the notification for one opaque push payload.
func (d *Dispatcher) Render(payload []byte) *Notification {
	body := strings.TrimSpace(string(payload))
	if len(body) == 0 {
		body = d.opts.DefaultBody
	}
	return &Notification{
		Title: d.opts.Title,
		Body:  body,
		Icon:  d.opts.Icon,
		Badge: d.opts.Badge,
		Actions: []Action{
			{Action: ActionOpen, Title: "Open App"},
			{Action: ActionClose, Title: "Close"},
		},
	}
}

// Dispatch renders and delivers one push payload. Delivery failures are
// logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) {
	n := d.Render(payload)
	if err := d.opts.Sink.Deliver(ctx, n); err != nil {
		d.opts.Logger.Warn("notification dropped", zap.String("title", n.Title), zap.Error(err))
	}
}

// HandleAction routes a user's action selection. It returns the view to
// open and whether the action was recognized; unknown actions are
// ignored.
func (d *Dispatcher) HandleAction(action string) (target string, ok bool) {
	switch action {
	case ActionOpen:
		return d.opts.OpenTarget, true
	case ActionClose:
		return "", true
	default:
		return "", false
	}
}
