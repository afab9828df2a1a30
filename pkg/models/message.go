package models

// DeliveryState tracks a message through the durability-then-push pipeline.
type DeliveryState string

const (
	DeliveryPersisted DeliveryState = "PERSISTED"
	DeliveryFannedOut DeliveryState = "FANNED_OUT"
)

// Attachment describes a single file attached to a message. Storage/CDN
// mechanics live elsewhere; only the descriptor travels with the message.
type Attachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Mime string `json:"mime,omitempty"`
}

type Message struct {
	ID     string `json:"id"`
	Thread string `json:"thread"`
	Sender string `json:"sender,omitempty"`
	// TS is server-assigned (ns), monotonic within a thread.
	TS   int64  `json:"ts"`
	Body string `json:"body,omitempty"`
	// Position is the sortable per-thread storage position assigned at
	// persist time; it doubles as a read-marker cursor.
	Position   string        `json:"position,omitempty"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	State      DeliveryState `json:"state,omitempty"`
}

// ReadMarker is the per-(user, thread) cursor recording the newest message a
// user has acknowledged. Upserts are monotonic: an older or equal position is
// a no-op.
type ReadMarker struct {
	UserID   string `json:"user_id"`
	Thread   string `json:"thread"`
	Position string `json:"position"`
	// MessageID of the acknowledged message (informational)
	MessageID string `json:"message_id,omitempty"`
	TS        int64  `json:"ts"`
}

type Notification struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	// TypeTag is a free-form category string used for routing
	// (e.g. "PO_APPROVED", "INVOICE_PAID", "PROJECT_MESSAGE").
	TypeTag string `json:"type_tag"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body,omitempty"`
	Read    bool   `json:"read"`
	TS      int64  `json:"ts"`
}
