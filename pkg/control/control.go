// Package control implements the narrow command protocol from the host
// application into the gateway: a closed command vocabulary, parsed
// from untyped messages into a tagged type. Unknown actions are ignored
// explicitly instead of falling through.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bahalabs/offgate/pkg/generation"
)

var nopLogger = zap.NewNop()

// Command is the closed set of accepted control commands.
type Command uint8

const (
	// CommandUnknown marks an unrecognized action; it is ignored.
	CommandUnknown Command = iota
	// CommandSkipWaiting activates the pending version immediately,
	// skipping the normal handover delay.
	CommandSkipWaiting
	// CommandClearCache deletes every generation, returning the
	// gateway to a cold state.
	CommandClearCache
)

func (c Command) String() string {
	switch c {
	case CommandSkipWaiting:
		return "skipWaiting"
	case CommandClearCache:
		return "clearCache"
	default:
		return "unknown"
	}
}

// message is the wire shape of a control message. No other fields are
// recognized.
type message struct {
	Action string `json:"action"`
}

// ParseMessage decodes one control message. A syntactically valid
// message with an unrecognized action parses to CommandUnknown.
func ParseMessage(b []byte) (Command, error) {
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		return CommandUnknown, fmt.Errorf("malformed control message: %w", err)
	}
	switch m.Action {
	case "skipWaiting":
		return CommandSkipWaiting, nil
	case "clearCache":
		return CommandClearCache, nil
	default:
		return CommandUnknown, nil
	}
}

type HandlerOpts struct {
	// Generations cannot be nil.
	Generations *generation.Manager

	// Logger is the *zap.Logger for this Handler.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Generations == nil {
		return errors.New("nil generation manager")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Handler executes control commands. Commands are idempotent and
// fire-and-forget; there is no response payload.
type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

// Handle executes one command. Unknown commands are a no-op.
func (h *Handler) Handle(ctx context.Context, cmd Command) error {
	switch cmd {
	case CommandSkipWaiting:
		err := h.opts.Generations.Activate(ctx)
		if errors.Is(err, generation.ErrNothingPending) {
			// Nothing staged; skipWaiting with no pending version is
			// a valid no-op.
			return nil
		}
		return err
	case CommandClearCache:
		return h.opts.Generations.PurgeAll(ctx)
	default:
		h.opts.Logger.Debug("ignoring unknown control command")
		return nil
	}
}
