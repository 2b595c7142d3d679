package broadcaststore

import "time"

// BroadcastStatus is a BroadcastRecord lifecycle status (§3.6).
type BroadcastStatus string

const (
	StatusDraft     BroadcastStatus = "draft"
	StatusApproved  BroadcastStatus = "approved"
	StatusScheduled BroadcastStatus = "scheduled"
	StatusSent      BroadcastStatus = "sent"
	StatusFailed    BroadcastStatus = "failed"
)

// QueueStatus is a QueueItem lifecycle status (§3.7).
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// BroadcastRecord is the integer-keyed persistent record (§3.6).
type BroadcastRecord struct {
	ID                   int64
	Title                string
	TitleNormalized      string
	PriceMain            int
	PriceSecondary       *int
	Format               string
	ETA                  string
	CloseDate            string
	SupplierType         string
	DescriptionSource    string
	DescriptionGenerated string
	Tags                 []string
	PreviewLinks         []string
	MediaPaths           []string
	Status               BroadcastStatus
	CreatedAt            time.Time
	SentAt               *time.Time
}

// QueueItem is the integer-keyed persistent queue row (§3.7).
type QueueItem struct {
	ID            int64
	BroadcastID   int64
	Target        string // transport.ChatID, kept as a plain string to avoid an import cycle
	ScheduledTime time.Time
	Status        QueueStatus
	RetryCount    int
	ErrorMessage  string
	CreatedAt     time.Time
}
