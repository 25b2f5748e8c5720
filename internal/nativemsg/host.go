package nativemsg

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goodtune/kguard/internal/agent"
	"github.com/goodtune/kguard/internal/gate"
	"github.com/rs/zerolog"
)

// Inbound message types.
const (
	TypeBeforeNavigate = "before_navigate"
	TypeCommitted      = "committed"
	TypeTabActivated   = "tab_activated"
	TypeTabUpdated     = "tab_updated"
	TypeTabRemoved     = "tab_removed"
	TypeFocusChanged   = "focus_changed"
	TypeGetStatus      = "get_status"
	TypeToggle         = "toggle"
	TypeConfigure      = "configure"
)

// Outbound message types.
const (
	TypeRedirect     = "redirect"
	TypeStatus       = "status"
	TypeToggleResult = "toggle_result"
	TypeError        = "error"
)

// Message is an event or request from the extension.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	TabID     int    `json:"tab_id,omitempty"`
	URL       string `json:"url,omitempty"`
	FrameID   int    `json:"frame_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Active    bool   `json:"active,omitempty"`
	WindowID  int    `json:"window_id,omitempty"`
	Password  string `json:"password,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	ChildID   string `json:"child_id,omitempty"`
	ChildName string `json:"child_name,omitempty"`
}

// Reply is a command or response sent to the extension. ID echoes the
// request it answers.
type Reply struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	TabID   int           `json:"tab_id,omitempty"`
	URL     string        `json:"url,omitempty"`
	Status  *agent.Status `json:"status,omitempty"`
	Enabled *bool         `json:"enabled,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Agent is the part of the agent the host drives.
type Agent interface {
	Navigate(ctx context.Context, nav gate.Navigation) (gate.Decision, error)
	TabActivated(ctx context.Context, tabID int, rawURL string) error
	TabUpdated(ctx context.Context, tabID int, rawURL, status string, active bool) error
	TabRemoved(ctx context.Context, tabID int) error
	FocusChanged(ctx context.Context, windowID int) error
	Status(ctx context.Context) (agent.Status, error)
	Toggle(ctx context.Context, password string) (bool, error)
	Configure(ctx context.Context, id agent.Identity) error
}

// Host reads events from the extension and writes commands back.
type Host struct {
	in     *Reader
	out    *Writer
	logger zerolog.Logger
}

// NewHost creates a host on the given streams, normally stdin and stdout.
func NewHost(in io.Reader, out io.Writer, logger zerolog.Logger) *Host {
	return &Host{
		in:     NewReader(in),
		out:    NewWriter(out),
		logger: logger.With().Str("component", "nativemsg").Logger(),
	}
}

// Redirect tells the extension to send a tab to url.
func (h *Host) Redirect(tabID int, url string) error {
	return h.out.Write(Reply{Type: TypeRedirect, TabID: tabID, URL: url})
}

// Serve handles messages in arrival order until the input stream closes or
// ctx is cancelled between messages. A closed input stream is a normal
// shutdown and returns nil.
func (h *Host) Serve(ctx context.Context, a Agent) error {
	h.logger.Info().Msg("Native messaging host ready")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var msg Message
		err := h.in.Read(&msg)
		switch {
		case errors.Is(err, io.EOF):
			h.logger.Info().Msg("Browser closed the native messaging channel")
			return nil
		case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrMalformed):
			h.logger.Warn().Err(err).Msg("Dropped unreadable message")
			h.reply(Reply{Type: TypeError, Error: err.Error()})
			continue
		case err != nil:
			return fmt.Errorf("read native message: %w", err)
		}

		if err := h.handle(ctx, a, msg); err != nil {
			if errors.Is(err, agent.ErrStopped) {
				return nil
			}
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Message handling failed")
			h.reply(Reply{Type: TypeError, ID: msg.ID, Error: err.Error()})
		}
	}
}

func (h *Host) handle(ctx context.Context, a Agent, msg Message) error {
	switch msg.Type {
	case TypeBeforeNavigate, TypeCommitted:
		signal := gate.SignalBeforeNavigate
		if msg.Type == TypeCommitted {
			signal = gate.SignalCommitted
		}
		_, err := a.Navigate(ctx, gate.Navigation{
			Signal:  signal,
			TabID:   msg.TabID,
			URL:     msg.URL,
			FrameID: msg.FrameID,
		})
		return err
	case TypeTabActivated:
		return a.TabActivated(ctx, msg.TabID, msg.URL)
	case TypeTabUpdated:
		return a.TabUpdated(ctx, msg.TabID, msg.URL, msg.Status, msg.Active)
	case TypeTabRemoved:
		return a.TabRemoved(ctx, msg.TabID)
	case TypeFocusChanged:
		return a.FocusChanged(ctx, msg.WindowID)
	case TypeGetStatus:
		status, err := a.Status(ctx)
		if err != nil {
			return err
		}
		h.reply(Reply{Type: TypeStatus, ID: msg.ID, Status: &status})
		return nil
	case TypeToggle:
		enabled, err := a.Toggle(ctx, msg.Password)
		if err != nil {
			return err
		}
		h.reply(Reply{Type: TypeToggleResult, ID: msg.ID, Enabled: &enabled})
		return nil
	case TypeConfigure:
		return a.Configure(ctx, agent.Identity{
			AuthToken: msg.AuthToken,
			ChildID:   msg.ChildID,
			ChildName: msg.ChildName,
		})
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (h *Host) reply(r Reply) {
	if err := h.out.Write(r); err != nil {
		h.logger.Error().Err(err).Str("type", r.Type).Msg("Failed to write reply")
	}
}
