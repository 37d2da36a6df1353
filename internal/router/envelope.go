package router

// Envelope types accepted from clients. Anything else is ignored.
const (
	TypeLogin        = "login"
	TypeMessage      = "message"
	TypeGroupMessage = "groupMessage"
	TypeTyping       = "typing"
	TypeGroupTyping  = "groupTyping"
)

// Inbound envelope variants. Each is transient: decoded, validated and
// dispatched within a single HandleMessage call, never persisted.

type loginEnvelope struct {
	UserID string `json:"userId" validate:"required"`
}

type messageEnvelope struct {
	UserID      string `json:"userId" validate:"required"`
	RecipientID string `json:"recipientId" validate:"required"`
	Text        string `json:"text" validate:"required"`
	ImageURL    string `json:"imageUrl"`
}

type groupMessageEnvelope struct {
	UserID   string `json:"userId" validate:"required"`
	GroupID  string `json:"groupId" validate:"required"`
	Text     string `json:"text" validate:"required"`
	ImageURL string `json:"imageUrl"`
}

type typingEnvelope struct {
	UserID      string `json:"userId" validate:"required"`
	RecipientID string `json:"recipientId" validate:"required"`
	// Pointer so an explicit false still satisfies the required check.
	IsTyping *bool `json:"isTyping" validate:"required"`
}

type groupTypingEnvelope struct {
	UserID   string `json:"userId" validate:"required"`
	GroupID  string `json:"groupId" validate:"required"`
	IsTyping *bool  `json:"isTyping" validate:"required"`
}

// Outbound payloads mirror the inbound tags.

type messagePayload struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type groupMessagePayload struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
	ImageURL string `json:"imageUrl,omitempty"`
}
