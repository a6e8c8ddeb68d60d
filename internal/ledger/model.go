package ledger

import (
	"errors"
	"time"
)

// Table enumerates the syncable tables exposed to devices. Wire-level table
// names that do not match a constant are discarded, never rejected, so newer
// clients can ship tables this server has not learned yet.
type Table string

const (
	TableBooks        Table = "books"
	TableCategories   Table = "categories"
	TableTransactions Table = "transactions"
)

// Action describes the per-item outcome of a push.
type Action string

const (
	ActionCreated              Action = "created"
	ActionUpdated              Action = "updated"
	ActionMarkedDeleted        Action = "marked_deleted"
	ActionIgnoredDeleteMissing Action = "ignored_delete_missing"
	ActionSkippedOlderVersion  Action = "skipped_older_version"
	ActionSkippedNewerServer   Action = "skipped_newer_server"
)

var (
	// ErrMissingClientID indicates a push item that carries no client
	// identity; it is the only per-item condition that aborts a push.
	ErrMissingClientID = errors.New("ledger: push item missing client_id")
	// ErrMissingUserID indicates the caller identity was absent.
	ErrMissingUserID = errors.New("ledger: user identifier is required")
)

// SyncBase carries the synchronization metadata every syncable record shares.
// UpdatedAt is written explicitly from the accepted change, never by the ORM,
// because it doubles as the pull cursor.
type SyncBase struct {
	ID            string    `gorm:"column:id;primaryKey;size:36;not null"`
	UserID        string    `gorm:"column:user_id;size:190;not null;index;index:,unique,composite:user_local,priority:1"`
	LocalID       string    `gorm:"column:local_id;size:190;not null;index:,unique,composite:user_local,priority:2"`
	ChangeVersion int64     `gorm:"column:change_version;not null;default:1"`
	IsDeleted     bool      `gorm:"column:is_deleted;not null;default:false"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null;index;autoUpdateTime:false"`
}

// Record is the shape the sync service works against. Sync exposes the shared
// metadata for mutation; the domain field maps carry only allow-listed wire
// fields, keyed by their wire names.
type Record interface {
	Sync() *SyncBase
	DomainFields() map[string]any
	ApplyDomainFields(fields map[string]any)
}

// Book is a ledger a user groups transactions under.
type Book struct {
	SyncBase

	Title       string `gorm:"column:title;size:190;not null"`
	Description string `gorm:"column:description;size:1024"`
	ColorCode   string `gorm:"column:color_code;size:32"`
	IsLocked    bool   `gorm:"column:is_locked;not null;default:false"`
	IsDefault   bool   `gorm:"column:is_default;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Book) TableName() string {
	return string(TableBooks)
}

// Sync exposes the shared sync metadata.
func (b *Book) Sync() *SyncBase {
	return &b.SyncBase
}

// DomainFields projects the book onto its wire-level field names.
func (b *Book) DomainFields() map[string]any {
	return map[string]any{
		"title":       b.Title,
		"description": b.Description,
		"colorCode":   b.ColorCode,
		"isLocked":    b.IsLocked,
		"isDefault":   b.IsDefault,
	}
}

// ApplyDomainFields merges allow-listed wire fields into the book.
func (b *Book) ApplyDomainFields(fields map[string]any) {
	for key, value := range fields {
		switch key {
		case "title":
			b.Title = asString(value)
		case "description":
			b.Description = asString(value)
		case "colorCode":
			b.ColorCode = asString(value)
		case "isLocked":
			b.IsLocked = asBool(value)
		case "isDefault":
			b.IsDefault = asBool(value)
		}
	}
}

// Category labels transactions inside a book. BookID is an opaque client-side
// reference (local or server id), deliberately not an enforced relation.
type Category struct {
	SyncBase

	BookID    string `gorm:"column:book_id;size:190;not null"`
	Name      string `gorm:"column:name;size:190;not null"`
	ColorCode string `gorm:"column:color_code;size:32"`
	IsDefault bool   `gorm:"column:is_default;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Category) TableName() string {
	return string(TableCategories)
}

// Sync exposes the shared sync metadata.
func (c *Category) Sync() *SyncBase {
	return &c.SyncBase
}

// DomainFields projects the category onto its wire-level field names.
func (c *Category) DomainFields() map[string]any {
	return map[string]any{
		"bookId":    c.BookID,
		"name":      c.Name,
		"colorCode": c.ColorCode,
		"isDefault": c.IsDefault,
	}
}

// ApplyDomainFields merges allow-listed wire fields into the category.
func (c *Category) ApplyDomainFields(fields map[string]any) {
	for key, value := range fields {
		switch key {
		case "bookId":
			c.BookID = asString(value)
		case "name":
			c.Name = asString(value)
		case "colorCode":
			c.ColorCode = asString(value)
		case "isDefault":
			c.IsDefault = asBool(value)
		}
	}
}

// Transaction is a single income or expense entry. CategoryID and BookID are
// opaque references like Category.BookID. PhotoURL is what clients display;
// PhotoID is the object-store key and never leaves the server.
type Transaction struct {
	SyncBase

	Type       string    `gorm:"column:type;size:16;not null"`
	Amount     float64   `gorm:"column:amount;not null"`
	Category   string    `gorm:"column:category;size:190"`
	CategoryID string    `gorm:"column:category_id;size:190"`
	Date       time.Time `gorm:"column:date;not null"`
	Note       string    `gorm:"column:note;size:1024"`
	BookID     string    `gorm:"column:book_id;size:190"`
	PhotoURL   string    `gorm:"column:photo_url;size:512"`
	PhotoID    string    `gorm:"column:photo_id;size:256"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return string(TableTransactions)
}

// Sync exposes the shared sync metadata.
func (t *Transaction) Sync() *SyncBase {
	return &t.SyncBase
}

// DomainFields projects the transaction onto its wire-level field names.
// PhotoID is intentionally absent; the outgoing normalizer remaps photoUrl to
// the photo_uri wire field.
func (t *Transaction) DomainFields() map[string]any {
	return map[string]any{
		"type":       t.Type,
		"amount":     t.Amount,
		"category":   t.Category,
		"categoryId": t.CategoryID,
		"date":       t.Date,
		"note":       t.Note,
		"bookId":     t.BookID,
		"photoUrl":   t.PhotoURL,
	}
}

// ApplyDomainFields merges allow-listed wire fields into the transaction.
// The incoming normalizer has already coerced a numeric date into time.Time.
// photoUrl is excluded: photo state only ever changes through the photo
// intent lifecycle, never by direct field assignment.
func (t *Transaction) ApplyDomainFields(fields map[string]any) {
	for key, value := range fields {
		switch key {
		case "type":
			t.Type = asString(value)
		case "amount":
			t.Amount = asFloat(value)
		case "category":
			t.Category = asString(value)
		case "categoryId":
			t.CategoryID = asString(value)
		case "date":
			if ts, ok := value.(time.Time); ok {
				t.Date = ts
			}
		case "note":
			t.Note = asString(value)
		case "bookId":
			t.BookID = asString(value)
		}
	}
}

// ChangeLog captures an append-only audit trail of accepted push mutations.
type ChangeLog struct {
	ID              string    `gorm:"column:id;primaryKey;size:36;not null"`
	UserID          string    `gorm:"column:user_id;size:190;not null;index:idx_change_logs_user_time,priority:1"`
	RecordTable     string    `gorm:"column:record_table;size:32;not null"`
	LocalID         string    `gorm:"column:local_id;size:190;not null"`
	ServerID        string    `gorm:"column:server_id;size:36;not null"`
	Action          Action    `gorm:"column:action;size:32;not null"`
	PreviousVersion *int64    `gorm:"column:prev_version"`
	NewVersion      *int64    `gorm:"column:new_version"`
	AppliedAt       time.Time `gorm:"column:applied_at;not null;index:idx_change_logs_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLog) TableName() string {
	return "sync_change_logs"
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func asBool(value any) bool {
	b, _ := value.(bool)
	return b
}

func asFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
