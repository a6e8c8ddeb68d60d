package ledger

import (
	"time"

	"gorm.io/gorm"
)

// tableConfig binds a syncable table to its record constructor, the
// allow-listed wire fields, and the typed list queries the pull paths need.
type tableConfig struct {
	table         Table
	allowedFields []string
	newRecord     func() Record
	listChanged   func(db *gorm.DB, userID string, since time.Time) ([]Record, error)
	listActive    func(db *gorm.DB, userID string) ([]Record, error)
}

var syncTables = map[Table]tableConfig{
	TableBooks: {
		table:         TableBooks,
		allowedFields: []string{"title", "description", "colorCode", "isLocked", "isDefault"},
		newRecord:     func() Record { return &Book{} },
		listChanged:   listChangedRecords[Book],
		listActive:    listActiveRecords[Book],
	},
	TableCategories: {
		table:         TableCategories,
		allowedFields: []string{"bookId", "name", "colorCode", "isDefault"},
		newRecord:     func() Record { return &Category{} },
		listChanged:   listChangedRecords[Category],
		listActive:    listActiveRecords[Category],
	},
	TableTransactions: {
		table:         TableTransactions,
		allowedFields: []string{"type", "amount", "category", "categoryId", "date", "note", "bookId", "photoUrl"},
		newRecord:     func() Record { return &Transaction{} },
		listChanged:   listChangedRecords[Transaction],
		listActive:    listActiveRecords[Transaction],
	},
}

// registeredTables returns the syncable tables in their stable wire order.
func registeredTables() []Table {
	return []Table{TableBooks, TableCategories, TableTransactions}
}

// lookupTable resolves a wire-level table name. Unknown names report false so
// callers skip the item instead of failing the request.
func lookupTable(name string) (tableConfig, bool) {
	cfg, ok := syncTables[Table(name)]
	return cfg, ok
}

func listChangedRecords[T any](db *gorm.DB, userID string, since time.Time) ([]Record, error) {
	var rows []T
	err := db.
		Where("user_id = ? AND updated_at > ?", userID, since).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return asRecords(rows), nil
}

func listActiveRecords[T any](db *gorm.DB, userID string) ([]Record, error) {
	var rows []T
	err := db.
		Where("user_id = ? AND is_deleted = ?", userID, false).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return asRecords(rows), nil
}

func asRecords[T any](rows []T) []Record {
	records := make([]Record, 0, len(rows))
	for i := range rows {
		record, ok := any(&rows[i]).(Record)
		if !ok {
			continue
		}
		records = append(records, record)
	}
	return records
}
