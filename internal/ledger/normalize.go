package ledger

import (
	"fmt"
	"time"
)

// photoSentinelNoChange is sent by defensive clients that always include the
// photo field; it must stay distinct from omitting the field entirely.
const photoSentinelNoChange = "NO_CHANGE"

// PushItem is the wire format of one device-side change record.
type PushItem struct {
	Table     string         `json:"table"`
	ClientID  string         `json:"client_id"`
	ServerID  string         `json:"server_id,omitempty"`
	Version   int64          `json:"version"`
	Deleted   bool           `json:"deleted"`
	CreatedAt int64          `json:"created_at,omitempty"`
	UpdatedAt int64          `json:"updated_at,omitempty"`
	Data      map[string]any `json:"data"`
}

// OutgoingDoc is the wire format of one stored record sent back to devices.
type OutgoingDoc struct {
	Table     string         `json:"table"`
	ServerID  string         `json:"server_id"`
	ClientID  string         `json:"client_id"`
	Version   int64          `json:"version"`
	Deleted   bool           `json:"deleted"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
	Data      map[string]any `json:"data"`
}

type photoMode int

const (
	photoNoop photoMode = iota
	photoRemove
	photoNoChange
	photoUpload
)

type photoIntent struct {
	mode  photoMode
	value string
}

// baseFields is the normalized sync metadata of one incoming item. The
// has-flags distinguish an absent timestamp from an explicit zero, which the
// conflict tie-break depends on.
type baseFields struct {
	localID       string
	changeVersion int64
	isDeleted     bool
	createdAt     time.Time
	hasCreatedAt  bool
	updatedAt     time.Time
	hasUpdatedAt  bool
}

type incomingItem struct {
	serverID string
	base     baseFields
	domain   map[string]any
	photo    photoIntent
}

// normalizeIncoming turns one raw change record into sync metadata, the
// allow-listed domain subset, and the photo intent. A missing client_id is
// the only failure; it aborts the whole push.
func normalizeIncoming(item PushItem, cfg tableConfig) (incomingItem, error) {
	if item.ClientID == "" {
		return incomingItem{}, fmt.Errorf("%w: table %q", ErrMissingClientID, item.Table)
	}

	base := baseFields{
		localID:       item.ClientID,
		changeVersion: item.Version,
		isDeleted:     item.Deleted,
	}
	if base.changeVersion <= 0 {
		base.changeVersion = 1
	}
	if item.CreatedAt > 0 {
		base.createdAt = time.UnixMilli(item.CreatedAt).UTC()
		base.hasCreatedAt = true
	}
	if item.UpdatedAt > 0 {
		base.updatedAt = time.UnixMilli(item.UpdatedAt).UTC()
		base.hasUpdatedAt = true
	}

	domain := pickFields(item.Data, cfg.allowedFields)

	if cfg.table == TableTransactions {
		// Clients send the transaction date as epoch milliseconds.
		if raw, ok := domain["date"]; ok {
			if millis, ok := asMillis(raw); ok {
				domain["date"] = time.UnixMilli(millis).UTC()
			}
		}
	}

	photo := photoIntent{mode: photoNoop}
	if cfg.table == TableTransactions {
		photo = resolvePhotoIntent(item.Data)
	}

	return incomingItem{
		serverID: item.ServerID,
		base:     base,
		domain:   domain,
		photo:    photo,
	}, nil
}

// resolvePhotoIntent decides the photo lifecycle step from the photoUri field:
// absent means leave the stored image alone, null means remove it, the
// NO_CHANGE sentinel means keep it, anything else is a new upload payload.
func resolvePhotoIntent(data map[string]any) photoIntent {
	raw, present := data["photoUri"]
	if !present {
		raw, present = data["photo_uri"]
	}
	if !present {
		return photoIntent{mode: photoNoop}
	}
	if raw == nil {
		return photoIntent{mode: photoRemove}
	}
	if value, ok := raw.(string); ok {
		if value == photoSentinelNoChange {
			return photoIntent{mode: photoNoChange}
		}
		return photoIntent{mode: photoUpload, value: value}
	}
	return photoIntent{mode: photoNoop}
}

// normalizeOutgoing is the inverse projection: stored record to wire doc,
// with per-table remapping for transactions (date back to epoch milliseconds,
// photoUrl renamed to photo_uri, photoId never serialized).
func normalizeOutgoing(record Record, cfg tableConfig) OutgoingDoc {
	base := record.Sync()
	data := pickFields(record.DomainFields(), cfg.allowedFields)

	if cfg.table == TableTransactions {
		if raw, ok := data["date"]; ok {
			if ts, ok := raw.(time.Time); ok {
				data["date"] = ts.UnixMilli()
			}
		}
		var photoURI any
		if url, ok := data["photoUrl"].(string); ok && url != "" {
			photoURI = url
		}
		delete(data, "photoUrl")
		data["photo_uri"] = photoURI
	}

	return OutgoingDoc{
		Table:     string(cfg.table),
		ServerID:  base.ID,
		ClientID:  base.LocalID,
		Version:   base.ChangeVersion,
		Deleted:   base.IsDeleted,
		CreatedAt: base.CreatedAt.UnixMilli(),
		UpdatedAt: base.UpdatedAt.UnixMilli(),
		Data:      data,
	}
}

func pickFields(data map[string]any, keys []string) map[string]any {
	picked := make(map[string]any, len(keys))
	for _, key := range keys {
		if value, ok := data[key]; ok {
			picked[key] = value
		}
	}
	return picked
}

func asMillis(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
