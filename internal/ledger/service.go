package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew  = "ledger.service.new"
	opPush        = "ledger.push"
	opPull        = "ledger.pull"
	opInitialSync = "ledger.initial_sync"
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// PhotoAsset identifies one stored photo: the client-facing URL and the
// storage key the server keeps to itself.
type PhotoAsset struct {
	URL string
	ID  string
}

// PhotoStore is the object-store collaborator behind transaction photos.
// Both calls are external I/O with independent failure modes; the sync
// service catches their errors per item.
type PhotoStore interface {
	Upload(ctx context.Context, payload string) (PhotoAsset, error)
	Delete(ctx context.Context, id string) error
}

// ServiceConfig describes the dependencies of the sync service. Photos may be
// nil, in which case photo intents degrade to metadata-only updates.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Photos     PhotoStore
	Logger     *zap.Logger
}

// Service applies device pushes against the authoritative state and serves
// the pull and initial-restore snapshots.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	photos     PhotoStore
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the sync service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		photos:     cfg.Photos,
		logger:     logger,
	}, nil
}

// ItemOutcome reports what happened to one push item.
type ItemOutcome struct {
	ClientID string  `json:"client_id"`
	ServerID *string `json:"server_id"`
	Version  int64   `json:"version,omitempty"`
	Deleted  bool    `json:"deleted"`
	Action   Action  `json:"action"`
}

// PushResult groups per-item outcomes by table.
type PushResult struct {
	Results map[string][]ItemOutcome `json:"results"`
	// Tables lists, in registry order, the tables that actually mutated;
	// used to notify other online devices.
	Tables []string `json:"-"`
}

// PullResult is shared by the pull and initial-sync responses. ServerTime is
// the snapshot the client must adopt as its next cursor.
type PullResult struct {
	ServerTime int64                    `json:"serverTime"`
	Changes    map[string][]OutgoingDoc `json:"changes"`
}

// Push processes a batch of device changes sequentially. Every item is
// normalized up front so an unidentifiable item rejects the batch before any
// mutation; after that point items are isolated, and a photo-store failure on
// one item never blocks the next.
func (s *Service) Push(ctx context.Context, userID string, items []PushItem) (PushResult, error) {
	if userID == "" {
		return PushResult{}, newServiceError(opPush, "missing_user_id", ErrMissingUserID)
	}

	type boundItem struct {
		cfg  tableConfig
		item incomingItem
	}
	bound := make([]boundItem, 0, len(items))
	for _, raw := range items {
		cfg, ok := lookupTable(raw.Table)
		if !ok {
			// Unknown tables come from clients newer than this server.
			continue
		}
		normalized, err := normalizeIncoming(raw, cfg)
		if err != nil {
			return PushResult{}, newServiceError(opPush, "invalid_item", err)
		}
		bound = append(bound, boundItem{cfg: cfg, item: normalized})
	}

	result := PushResult{Results: make(map[string][]ItemOutcome, len(syncTables))}
	for _, table := range registeredTables() {
		result.Results[string(table)] = []ItemOutcome{}
	}
	mutated := make(map[Table]bool)

	for _, entry := range bound {
		outcome, err := s.applyItem(ctx, userID, entry.cfg, entry.item)
		if err != nil {
			return PushResult{}, err
		}
		result.Results[string(entry.cfg.table)] = append(result.Results[string(entry.cfg.table)], outcome)
		switch outcome.Action {
		case ActionCreated, ActionUpdated, ActionMarkedDeleted:
			mutated[entry.cfg.table] = true
		}
	}

	for _, table := range registeredTables() {
		if mutated[table] {
			result.Tables = append(result.Tables, string(table))
		}
	}
	return result, nil
}

func (s *Service) applyItem(ctx context.Context, userID string, cfg tableConfig, item incomingItem) (ItemOutcome, error) {
	existing, err := s.findExisting(ctx, userID, cfg, item)
	if err != nil {
		return ItemOutcome{}, err
	}

	if existing == nil {
		return s.createRecord(ctx, userID, cfg, item)
	}
	return s.updateRecord(ctx, userID, cfg, item, existing)
}

// findExisting looks the record up by server id first when the client
// supplied one, then by the (owner, localId) identity.
func (s *Service) findExisting(ctx context.Context, userID string, cfg tableConfig, item incomingItem) (Record, error) {
	if item.serverID != "" {
		record := cfg.newRecord()
		err := s.db.WithContext(ctx).
			Where("id = ? AND user_id = ?", item.serverID, userID).
			Take(record).Error
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opPush, "record_lookup_failed", err,
				zap.String("table", string(cfg.table)),
				zap.String("server_id", item.serverID))
			return nil, newServiceError(opPush, "record_lookup_failed", err)
		}
	}

	record := cfg.newRecord()
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND local_id = ?", userID, item.base.localID).
		Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opPush, "record_lookup_failed", err,
			zap.String("table", string(cfg.table)),
			zap.String("client_id", item.base.localID))
		return nil, newServiceError(opPush, "record_lookup_failed", err)
	}
	return record, nil
}

func (s *Service) createRecord(ctx context.Context, userID string, cfg tableConfig, item incomingItem) (ItemOutcome, error) {
	if item.base.isDeleted {
		// A delete for a record the server never saw: absorbing it avoids
		// phantom tombstones from delete-before-create races and retries.
		return ItemOutcome{
			ClientID: item.base.localID,
			ServerID: nil,
			Action:   ActionIgnoredDeleteMissing,
		}, nil
	}

	serverID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPush, "id_generation_failed", err, zap.String("table", string(cfg.table)))
		return ItemOutcome{}, newServiceError(opPush, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	record := cfg.newRecord()
	base := record.Sync()
	base.ID = serverID
	base.UserID = userID
	base.LocalID = item.base.localID
	base.ChangeVersion = item.base.changeVersion
	base.IsDeleted = false
	base.CreatedAt = now
	if item.base.hasCreatedAt {
		base.CreatedAt = item.base.createdAt
	}
	base.UpdatedAt = now
	if item.base.hasUpdatedAt {
		base.UpdatedAt = item.base.updatedAt
	}
	record.ApplyDomainFields(item.domain)

	if tx, ok := record.(*Transaction); ok && item.photo.mode == photoUpload {
		// An upload failure still lets the create commit, just without a
		// photo; the client resubmits the image on a later push.
		if asset, ok := s.uploadPhoto(ctx, item.photo.value, tx.LocalID); ok {
			tx.PhotoURL = asset.URL
			tx.PhotoID = asset.ID
		}
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.logError(opPush, "record_insert_failed", err,
			zap.String("table", string(cfg.table)),
			zap.String("client_id", item.base.localID))
		return ItemOutcome{}, newServiceError(opPush, "record_insert_failed", err)
	}

	s.appendChangeLog(ctx, userID, cfg.table, record, ActionCreated, nil)

	return ItemOutcome{
		ClientID: base.LocalID,
		ServerID: &base.ID,
		Version:  base.ChangeVersion,
		Deleted:  base.IsDeleted,
		Action:   ActionCreated,
	}, nil
}

func (s *Service) updateRecord(ctx context.Context, userID string, cfg tableConfig, item incomingItem, record Record) (ItemOutcome, error) {
	base := record.Sync()
	decision := resolveConflict(*base, item.base)
	if !decision.accept {
		return ItemOutcome{
			ClientID: base.LocalID,
			ServerID: &base.ID,
			Version:  base.ChangeVersion,
			Deleted:  base.IsDeleted,
			Action:   decision.action,
		}, nil
	}

	previousVersion := base.ChangeVersion
	base.ChangeVersion = item.base.changeVersion
	base.IsDeleted = item.base.isDeleted
	if item.base.hasUpdatedAt {
		base.UpdatedAt = item.base.updatedAt
	} else {
		base.UpdatedAt = s.clock().UTC()
	}

	if !base.IsDeleted {
		record.ApplyDomainFields(item.domain)
	}

	if tx, ok := record.(*Transaction); ok {
		s.applyPhotoTransition(ctx, tx, base.IsDeleted, item.photo)
	}

	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		s.logError(opPush, "record_save_failed", err,
			zap.String("table", string(cfg.table)),
			zap.String("client_id", base.LocalID))
		return ItemOutcome{}, newServiceError(opPush, "record_save_failed", err)
	}

	s.appendChangeLog(ctx, userID, cfg.table, record, decision.action, &previousVersion)

	return ItemOutcome{
		ClientID: base.LocalID,
		ServerID: &base.ID,
		Version:  base.ChangeVersion,
		Deleted:  base.IsDeleted,
		Action:   decision.action,
	}, nil
}

// applyPhotoTransition drives the stored-image lifecycle from the tombstone
// flag and the photo intent. Storage failures are logged and absorbed; the
// record write that follows must not be blocked by attachment I/O.
func (s *Service) applyPhotoTransition(ctx context.Context, tx *Transaction, deleted bool, photo photoIntent) {
	if deleted {
		if tx.PhotoID != "" {
			s.deletePhoto(ctx, tx.PhotoID, tx.LocalID)
		}
		tx.PhotoURL = ""
		tx.PhotoID = ""
		return
	}

	switch photo.mode {
	case photoUpload:
		if tx.PhotoID != "" {
			s.deletePhoto(ctx, tx.PhotoID, tx.LocalID)
		}
		if asset, ok := s.uploadPhoto(ctx, photo.value, tx.LocalID); ok {
			tx.PhotoURL = asset.URL
			tx.PhotoID = asset.ID
		}
	case photoRemove:
		if tx.PhotoID != "" {
			s.deletePhoto(ctx, tx.PhotoID, tx.LocalID)
		}
		tx.PhotoURL = ""
		tx.PhotoID = ""
	case photoNoop, photoNoChange:
	}
}

func (s *Service) uploadPhoto(ctx context.Context, payload, localID string) (PhotoAsset, bool) {
	if s.photos == nil {
		s.logger.Warn("photo upload skipped, no photo store configured",
			zap.String("client_id", localID))
		return PhotoAsset{}, false
	}
	asset, err := s.photos.Upload(ctx, payload)
	if err != nil {
		s.logError(opPush, "photo_upload_failed", err, zap.String("client_id", localID))
		return PhotoAsset{}, false
	}
	return asset, true
}

func (s *Service) deletePhoto(ctx context.Context, photoID, localID string) {
	if s.photos == nil {
		return
	}
	if err := s.photos.Delete(ctx, photoID); err != nil {
		s.logError(opPush, "photo_delete_failed", err, zap.String("client_id", localID))
	}
}

// appendChangeLog records the accepted mutation in the audit trail. Audit
// failures never fail the item.
func (s *Service) appendChangeLog(ctx context.Context, userID string, table Table, record Record, action Action, previousVersion *int64) {
	logID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPush, "change_log_id_failed", err)
		return
	}
	base := record.Sync()
	newVersion := base.ChangeVersion
	entry := ChangeLog{
		ID:          logID,
		UserID:      userID,
		RecordTable: string(table),
		LocalID:     base.LocalID,
		ServerID:    base.ID,
		Action:      action,
		NewVersion:  &newVersion,
		AppliedAt:   s.clock().UTC(),
	}
	if previousVersion != nil {
		prev := *previousVersion
		entry.PreviousVersion = &prev
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(opPush, "change_log_insert_failed", err,
			zap.String("table", string(table)),
			zap.String("client_id", base.LocalID))
	}
}

// Pull returns every record of the requested tables changed after the cursor,
// oldest first so an interrupted client can resume from the last applied
// updated_at. ServerTime is snapshotted before the queries run.
func (s *Service) Pull(ctx context.Context, userID string, lastSyncAt int64, tables []string) (PullResult, error) {
	if userID == "" {
		return PullResult{}, newServiceError(opPull, "missing_user_id", ErrMissingUserID)
	}

	serverTime := s.clock().UTC().UnixMilli()
	cursor := time.UnixMilli(lastSyncAt).UTC()

	requested := tables
	if len(requested) == 0 {
		requested = make([]string, 0, len(syncTables))
		for _, table := range registeredTables() {
			requested = append(requested, string(table))
		}
	}

	changes := make(map[string][]OutgoingDoc, len(requested))
	for _, table := range registeredTables() {
		changes[string(table)] = []OutgoingDoc{}
	}

	for _, name := range requested {
		cfg, ok := lookupTable(name)
		if !ok {
			continue
		}
		records, err := cfg.listChanged(s.db.WithContext(ctx), userID, cursor)
		if err != nil {
			s.logError(opPull, "query_failed", err, zap.String("table", name))
			return PullResult{}, newServiceError(opPull, "query_failed", err)
		}
		docs := make([]OutgoingDoc, 0, len(records))
		for _, record := range records {
			docs = append(docs, normalizeOutgoing(record, cfg))
		}
		changes[string(cfg.table)] = docs
	}

	return PullResult{ServerTime: serverTime, Changes: changes}, nil
}

// InitialSync is the full restore for a fresh device: only live records, no
// cursor, tombstones omitted entirely since a new device has nothing to
// reconcile them against.
func (s *Service) InitialSync(ctx context.Context, userID string) (PullResult, error) {
	if userID == "" {
		return PullResult{}, newServiceError(opInitialSync, "missing_user_id", ErrMissingUserID)
	}

	serverTime := s.clock().UTC().UnixMilli()
	changes := make(map[string][]OutgoingDoc, len(syncTables))

	for _, table := range registeredTables() {
		cfg := syncTables[table]
		records, err := cfg.listActive(s.db.WithContext(ctx), userID)
		if err != nil {
			s.logError(opInitialSync, "query_failed", err, zap.String("table", string(table)))
			return PullResult{}, newServiceError(opInitialSync, "query_failed", err)
		}
		docs := make([]OutgoingDoc, 0, len(records))
		for _, record := range records {
			docs = append(docs, normalizeOutgoing(record, cfg))
		}
		changes[string(table)] = docs
	}

	return PullResult{ServerTime: serverTime, Changes: changes}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger sync error", attrs...)
}
