package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"collabHub/backend/internal/oplog"
	"collabHub/backend/internal/room"
)

type OperationRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RoomID    string `gorm:"size:128;not null;uniqueIndex:uk_room_version,priority:1"`
	Version   uint64 `gorm:"not null;uniqueIndex:uk_room_version,priority:2"`
	OpID      string `gorm:"size:36;not null;uniqueIndex"`
	AuthorID  uint64 `gorm:"not null"`
	ClientID  string `gorm:"size:64"`
	ClientSeq uint64
	Kind      string `gorm:"size:16;not null"`
	Payload   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (OperationRecord) TableName() string { return "collab_operations" }

type SnapshotRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RoomID    string `gorm:"size:128;not null;uniqueIndex:uk_snapshot_room_version,priority:1"`
	Version   uint64 `gorm:"not null;uniqueIndex:uk_snapshot_room_version,priority:2"`
	Content   string `gorm:"type:longtext"`
	CreatedAt time.Time
}

func (SnapshotRecord) TableName() string { return "document_snapshots" }

type DocumentRecord struct {
	Ref       string `gorm:"primaryKey;size:64"`
	SpaceRef  string `gorm:"size:64;index"`
	OwnerID   uint64 `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DocumentRecord) TableName() string { return "documents" }

type MembershipRecord struct {
	RoomKind   string `gorm:"primaryKey;size:32"`
	RoomRef    string `gorm:"primaryKey;size:64"`
	UserID     uint64 `gorm:"primaryKey"`
	Permission string `gorm:"size:16;not null"`
	CreatedAt  time.Time
}

func (MembershipRecord) TableName() string { return "room_memberships" }

// GormStore MySQL 实现
type GormStore struct {
	db *gorm.DB
}

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// NewGormStore 包装已有连接，migrate=true 时自动建表
func NewGormStore(db *gorm.DB, migrate bool) (*GormStore, error) {
	if migrate {
		if err := db.AutoMigrate(&OperationRecord{}, &SnapshotRecord{}, &DocumentRecord{}, &MembershipRecord{}); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return &GormStore{db: db}, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysqldrv.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func toOperationRecord(op oplog.Operation) (OperationRecord, error) {
	raw, err := json.Marshal(op.Payload)
	if err != nil {
		return OperationRecord{}, err
	}
	return OperationRecord{
		RoomID:    op.RoomID,
		Version:   op.Version,
		OpID:      op.ID,
		AuthorID:  op.AuthorID,
		ClientID:  op.ClientID,
		ClientSeq: op.ClientSeq,
		Kind:      string(op.Kind),
		Payload:   string(raw),
		CreatedAt: op.Timestamp,
	}, nil
}

func (r OperationRecord) operation() (oplog.Operation, error) {
	p, err := oplog.DecodePayload(oplog.Kind(r.Kind), json.RawMessage(r.Payload))
	if err != nil {
		return oplog.Operation{}, fmt.Errorf("decode op %s@%d: %w", r.RoomID, r.Version, err)
	}
	return oplog.Operation{
		RoomID:    r.RoomID,
		Version:   r.Version,
		ID:        r.OpID,
		AuthorID:  r.AuthorID,
		ClientID:  r.ClientID,
		ClientSeq: r.ClientSeq,
		Kind:      oplog.Kind(r.Kind),
		Payload:   p,
		Timestamp: r.CreatedAt,
	}, nil
}

func (s *GormStore) PutOperation(ctx context.Context, op oplog.Operation) error {
	rec, err := toOperationRecord(op)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: op %s@%d", ErrDuplicate, op.RoomID, op.Version)
		}
		return err
	}
	return nil
}

func (s *GormStore) GetOperations(ctx context.Context, roomID string, fromVersion uint64, limit int) ([]oplog.Operation, error) {
	var recs []OperationRecord
	q := s.db.WithContext(ctx).
		Where("room_id = ? AND version > ?", roomID, fromVersion).
		Order("version ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]oplog.Operation, 0, len(recs))
	for _, r := range recs {
		op, err := r.operation()
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (s *GormStore) PutSnapshot(ctx context.Context, snap oplog.Snapshot) error {
	rec := SnapshotRecord{RoomID: snap.RoomID, Version: snap.Version, Content: snap.Content}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		// 同一版本的快照内容必然相同，重复写入直接忽略
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *GormStore) LatestSnapshot(ctx context.Context, roomID string) (oplog.Snapshot, bool, error) {
	var rec SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("version DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return oplog.Snapshot{}, false, nil
	}
	if err != nil {
		return oplog.Snapshot{}, false, err
	}
	return oplog.Snapshot{RoomID: rec.RoomID, Version: rec.Version, Content: rec.Content}, true, nil
}

func (s *GormStore) LookupDocument(ctx context.Context, ref string) (room.Document, bool, error) {
	var rec DocumentRecord
	err := s.db.WithContext(ctx).Where("ref = ?", ref).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return room.Document{}, false, nil
	}
	if err != nil {
		return room.Document{}, false, err
	}
	return room.Document{Ref: rec.Ref, SpaceRef: rec.SpaceRef, OwnerID: rec.OwnerID}, true, nil
}

func (s *GormStore) MemberPermission(ctx context.Context, kind room.Kind, ref string, userID uint64) (room.Permission, bool, error) {
	var rec MembershipRecord
	err := s.db.WithContext(ctx).
		Where("room_kind = ? AND room_ref = ? AND user_id = ?", string(kind), ref, userID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return room.PermNone, false, nil
	}
	if err != nil {
		return room.PermNone, false, err
	}
	return room.ParsePermission(rec.Permission), true, nil
}

func (s *GormStore) PutDocument(ctx context.Context, doc room.Document) error {
	rec := DocumentRecord{Ref: doc.Ref, SpaceRef: doc.SpaceRef, OwnerID: doc.OwnerID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		UpdateAll: true,
	}).Create(&rec).Error
}

func (s *GormStore) PutMembership(ctx context.Context, kind room.Kind, ref string, userID uint64, perm room.Permission) error {
	rec := MembershipRecord{RoomKind: string(kind), RoomRef: ref, UserID: userID, Permission: perm.String()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoUpdates: clause.AssignmentColumns([]string{"permission"}),
	}).Create(&rec).Error
}

func (s *GormStore) RemoveMembership(ctx context.Context, kind room.Kind, ref string, userID uint64) error {
	return s.db.WithContext(ctx).
		Where("room_kind = ? AND room_ref = ? AND user_id = ?", string(kind), ref, userID).
		Delete(&MembershipRecord{}).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
