// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aplane-algo/bssigner/internal/protocol"
	"github.com/aplane-algo/bssigner/internal/transport"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	promptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

var (
	errDisplaceDeclined = errors.New("another approver is connected")
	errAuthRejected     = errors.New("approver authentication rejected")
	errDisplaced        = errors.New("displaced by another approver")
)

// handshake takes over from a connected approver if confirm agrees, then
// authenticates with token.
func handshake(fc *transport.FrameConn, token string, confirm func() bool) error {
	var base protocol.BaseMessage
	if err := fc.ReadJSON(&base); err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	if base.Type == protocol.MsgTypeClientExists {
		if !confirm() {
			return errDisplaceDeclined
		}
		confirmMsg := protocol.DisplaceConfirmMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeDisplaceConfirm}}
		if err := fc.WriteJSON(confirmMsg); err != nil {
			return err
		}
		if err := fc.ReadJSON(&base); err != nil {
			return fmt.Errorf("failed to read greeting: %w", err)
		}
	}
	if base.Type == protocol.MsgTypeError {
		return fmt.Errorf("signer refused approver connection")
	}
	if base.Type != protocol.MsgTypeAuthRequired {
		return fmt.Errorf("unexpected message %q during handshake", base.Type)
	}

	auth := protocol.AuthMessage{BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypeAuth}, Token: token}
	if err := fc.WriteJSON(auth); err != nil {
		return err
	}
	var result protocol.AuthResultMessage
	if err := fc.ReadJSON(&result); err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if result.Type != protocol.MsgTypeAuthResult || !result.Success {
		return fmt.Errorf("%w: %s", errAuthRejected, result.Error)
	}
	return nil
}

// session queues password prompts in arrival order.
type session struct {
	fc    *transport.FrameConn
	out   io.Writer
	queue []protocol.PasswordPromptMessage
}

func newSession(fc *transport.FrameConn, out io.Writer) *session {
	return &session{fc: fc, out: out}
}

// current returns the prompt to answer next.
func (s *session) current() (protocol.PasswordPromptMessage, bool) {
	if len(s.queue) == 0 {
		return protocol.PasswordPromptMessage{}, false
	}
	return s.queue[0], true
}

// handle processes one message from the signer.
func (s *session) handle(raw []byte) error {
	var base protocol.BaseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil
	}

	switch base.Type {
	case protocol.MsgTypePasswordPrompt:
		var msg protocol.PasswordPromptMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil
		}
		for i, p := range s.queue {
			if p.ID == msg.ID {
				s.queue[i] = msg
				return nil
			}
		}
		s.queue = append(s.queue, msg)
		if len(s.queue) > 1 {
			fmt.Fprintf(s.out, "\n⏳ Password request queued (%d pending total)\n", len(s.queue))
		}

	case protocol.MsgTypePromptCancelled:
		var msg protocol.PromptCancelledMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil
		}
		if s.remove(msg.ID) {
			fmt.Fprintln(s.out, subtitleStyle.Render(fmt.Sprintf("Prompt for %s withdrawn: %s", shortID(msg.ID), msg.Reason)))
		}

	case protocol.MsgTypeStatus:
		var msg protocol.StatusMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil
		}
		fmt.Fprintf(s.out, "Signer: %s, %d wallet(s), %d client(s)\n", msg.NetType, msg.WalletCount, msg.Sessions)
		for _, id := range msg.AutoSignActive {
			fmt.Fprintln(s.out, warningStyle.Render("  auto-sign active: "+id))
		}

	case protocol.MsgTypeAutoSign:
		var msg protocol.AutoSignMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil
		}
		if msg.Active {
			fmt.Fprintln(s.out, warningStyle.Render("⚡ Auto-sign activated for "+msg.RootWalletID))
		} else {
			line := "Auto-sign deactivated for " + msg.RootWalletID
			if msg.Reason != "" {
				line += " (" + msg.Reason + ")"
			}
			fmt.Fprintln(s.out, okStyle.Render(line))
		}

	case protocol.MsgTypeDisplaced:
		return errDisplaced

	case protocol.MsgTypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil
		}
		fmt.Fprintln(s.out, errorStyle.Render("Error: "+msg.Error))
	}
	return nil
}

func (s *session) remove(walletID string) bool {
	for i, p := range s.queue {
		if p.ID == walletID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// answer sends password for walletID's prompt; an empty password declines it.
// A prompt withdrawn meanwhile is not answered.
func (s *session) answer(walletID string, password []byte) (bool, error) {
	if !s.remove(walletID) {
		return false, nil
	}
	msg := protocol.PasswordResponseMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.MsgTypePasswordResponse, ID: walletID},
		Password:    password,
		Cancelled:   len(password) == 0,
	}
	return true, s.fc.WriteJSON(msg)
}

// display renders a prompt.
func display(out io.Writer, p protocol.PasswordPromptMessage, pending int) {
	title := "🔐 PASSWORD REQUEST"
	if pending > 1 {
		title = fmt.Sprintf("🔐 PASSWORD REQUEST (1 of %d pending)", pending)
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(title) + "\n")
	name := p.WalletName
	if name == "" {
		name = shortID(p.ID)
	}
	fmt.Fprintf(&b, "Wallet:  %s\n", name)
	fmt.Fprintf(&b, "Request: %s\n", p.Request)
	if p.ClientID != "" {
		fmt.Fprintf(&b, "Client:  %s\n", p.ClientID)
	}
	if p.Timestamp > 0 {
		fmt.Fprintf(&b, "Time:    %s\n", time.Unix(p.Timestamp, 0).Format(time.TimeOnly))
	}
	b.WriteString(subtitleStyle.Render(p.Prompt))
	fmt.Fprintln(out, "\n"+promptStyle.Render(b.String()))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "…"
	}
	return id
}
