package store

// Message status ladder. Merge logic never moves a message down this ladder.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// StatusRank returns the position of a delivery status on the ladder.
// Failed and unknown statuses rank lowest so any real progress wins.
func StatusRank(status string) int {
	switch status {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Pending message send states.
const (
	SendQueued  = "queued"
	SendSending = "sending"
	SendError   = "error"
)

// Chat represents a conversation known locally.
type Chat struct {
	ID             int64
	Type           string // private, group, channel
	Name           string
	AvatarURL      string
	ParticipantIDs string // comma-separated user ids
	LastMessageID  string
	UnreadCount    int
	Muted          bool
	CreatedAt      int64
	UpdatedAt      int64
}

// User represents a known user profile.
type User struct {
	ID          int64
	Username    string
	DisplayName string
	AvatarURL   string
	Status      string
	PublicKey   string
}

// Message is the canonical message record, addressed by the client-generated
// message id shared with the pending queue.
type Message struct {
	MsgID       string
	ChatID      int64
	SenderID    int64
	Content     string
	MessageType string // text, media, file, system
	Status      string
	Edited      bool
	MediaURL    string
	MediaType   string
	ReplyToID   int64
	Timestamp   int64
}

// PendingMessage is a durably persisted outgoing message not yet acked by
// the server. Exactly one row per MessageID.
type PendingMessage struct {
	MessageID     string
	ChatID        int64
	SenderID      int64
	Content       string
	MessageType   string
	RecipientID   int64
	ReplyToID     int64
	MediaURL      string
	MediaType     string
	SendState     string // queued, sending, error
	RetryCount    int
	MaxRetries    int
	CreatedAt     int64
	LastAttemptAt int64
	ErrorMessage  string
}
