// Package presence derives status and typing side-effects from relay events
// and broadcasts them to live connections. All sends are best-effort.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/samber/lo"

	"github.com/Okasha-Arshad/chitchat-backend/pkg/directory"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/registry"
)

// Status values broadcast to clients. The "Active now" literal is part of the
// wire contract consumed by existing clients.
const (
	StatusOnline  = "Active now"
	StatusOffline = "offline"
)

type statusPayload struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type typingPayload struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type groupTypingPayload struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	GroupID  string `json:"groupId"`
	IsTyping bool   `json:"isTyping"`
}

type Notifier struct {
	registry  registry.Registry
	directory directory.Client
	logger    *slog.Logger
}

func NewNotifier(logger *slog.Logger, reg registry.Registry, dir directory.Client) *Notifier {
	return &Notifier{
		registry:  reg,
		directory: dir,
		logger:    logger.With(slog.String("component", "presence_notifier")),
	}
}

// BroadcastStatus announces a user's status to every connected client,
// the subject included.
func (n *Notifier) BroadcastStatus(userID, status string) {
	payload, err := json.Marshal(statusPayload{Type: "status", UserID: userID, Status: status})
	if err != nil {
		n.logger.Error("failed to marshal status payload", slog.Any("error", err))
		return
	}
	n.registry.BroadcastAll(payload)
}

// NotifyTyping delivers a typing indicator to a single recipient. An offline
// recipient is a silent no-op.
func (n *Notifier) NotifyTyping(recipientID, userID string, isTyping bool) {
	handle, ok := n.registry.Lookup(recipientID)
	if !ok {
		return
	}
	payload, err := json.Marshal(typingPayload{Type: "typing", UserID: userID, IsTyping: isTyping})
	if err != nil {
		n.logger.Error("failed to marshal typing payload", slog.Any("error", err))
		return
	}
	if err := handle.Send(payload); err != nil {
		n.logger.Debug("typing send dropped", slog.String("recipientID", recipientID), slog.Any("error", err))
	}
}

// NotifyGroupTyping resolves the group's membership and fans the indicator
// out to every present member except the typist.
func (n *Notifier) NotifyGroupTyping(ctx context.Context, userID, groupID string, isTyping bool) error {
	members, err := n.directory.GroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	n.NotifyGroupTypingMembers(members, userID, groupID, isTyping)
	return nil
}

// NotifyGroupTypingMembers is the fan-out half of NotifyGroupTyping. The
// router uses it directly after a group message, reusing the membership list
// it already resolved for the message itself.
func (n *Notifier) NotifyGroupTypingMembers(members []string, userID, groupID string, isTyping bool) {
	recipients := lo.Filter(members, func(member string, _ int) bool {
		return member != userID
	})
	if len(recipients) == 0 {
		return
	}
	payload, err := json.Marshal(groupTypingPayload{Type: "groupTyping", UserID: userID, GroupID: groupID, IsTyping: isTyping})
	if err != nil {
		n.logger.Error("failed to marshal group typing payload", slog.Any("error", err))
		return
	}
	for _, member := range recipients {
		handle, ok := n.registry.Lookup(member)
		if !ok {
			continue
		}
		if err := handle.Send(payload); err != nil {
			n.logger.Debug("group typing send dropped", slog.String("member", member), slog.Any("error", err))
		}
	}
}
