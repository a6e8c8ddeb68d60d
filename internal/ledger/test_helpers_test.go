package ledger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Book{}, &Category{}, &Transaction{}, &ChangeLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type seqIDProvider struct {
	next int
}

func (p *seqIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("srv-%d", p.next), nil
}

type fakePhotoStore struct {
	uploads   []string
	deletes   []string
	uploadErr error
	deleteErr error
	nextAsset int
}

func (f *fakePhotoStore) Upload(_ context.Context, payload string) (PhotoAsset, error) {
	if f.uploadErr != nil {
		return PhotoAsset{}, f.uploadErr
	}
	f.uploads = append(f.uploads, payload)
	f.nextAsset++
	return PhotoAsset{
		URL: fmt.Sprintf("https://photos.example.com/p/%d", f.nextAsset),
		ID:  fmt.Sprintf("photos/p/%d", f.nextAsset),
	}, nil
}

func (f *fakePhotoStore) Delete(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, id)
	return nil
}

func fixedClock(millis int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(millis).UTC()
	}
}

func newTestService(t *testing.T, db *gorm.DB, photos PhotoStore, clockMillis int64) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      fixedClock(clockMillis),
		IDProvider: &seqIDProvider{},
		Photos:     photos,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustPush(t *testing.T, service *Service, userID string, items ...PushItem) PushResult {
	t.Helper()
	result, err := service.Push(context.Background(), userID, items)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	return result
}

func singleOutcome(t *testing.T, result PushResult, table string) ItemOutcome {
	t.Helper()
	outcomes := result.Results[table]
	if len(outcomes) != 1 {
		t.Fatalf("expected exactly one %s outcome, got %d", table, len(outcomes))
	}
	return outcomes[0]
}
