package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"medconsult/internal/gormdb"
	"medconsult/pkg/domain"
	"medconsult/pkg/ledger"
)

const (
	migrateLockID int64 = 51726021
	appendLockID  int64 = 51726022
)

// EntryModel is a persisted chain link.
type EntryModel struct {
	Seq            int64          `gorm:"primaryKey;autoIncrement"`
	ConsultationID int64          `gorm:"uniqueIndex;not null"`
	Record         datatypes.JSON `gorm:"type:jsonb;not null"`
	PrevHash       string         `gorm:"size:64;not null"`
	Hash           string         `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt      time.Time
}

func (EntryModel) TableName() string { return "ledger_entries" }

// DocumentModel is a digest anchored to a chain entry.
type DocumentModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	ConsultationID int64  `gorm:"uniqueIndex:ux_ledger_document_digest;not null"`
	SHA256         string `gorm:"column:sha256;size:64;uniqueIndex:ux_ledger_document_digest;not null"`
	Name           string `gorm:"size:255;not null"`
	ObjectKey      string `gorm:"size:512"`
	AnchoredAt     time.Time
}

func (DocumentModel) TableName() string { return "ledger_documents" }

// GormStore implements Store on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gormdb.OpenMigrated(dsn, migrateLockID, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&EntryModel{}, &DocumentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithChainLock serializes appends with a transaction-scoped advisory lock,
// so the head read inside fn cannot race another writer.
func (s *GormStore) WithChainLock(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", appendLockID).Error; err != nil {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		return fn(&gormTx{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func (s *GormStore) Get(ctx context.Context, consultationID int64) (Entry, bool, error) {
	return (&gormTx{db: s.db}).Get(ctx, consultationID)
}

func (s *GormStore) Walk(ctx context.Context, fn func(Entry) error) error {
	var batch []EntryModel
	var walkErr error
	res := s.db.WithContext(ctx).Order("seq ASC").FindInBatches(&batch, 200, func(tx *gorm.DB, _ int) error {
		for _, m := range batch {
			e, err := entryFromModel(m)
			if err != nil {
				walkErr = err
				return err
			}
			if err := fn(e); err != nil {
				walkErr = err
				return err
			}
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}
	return res.Error
}

func (s *GormStore) AddDocument(ctx context.Context, doc ledger.Document) (bool, error) {
	model := DocumentModel{
		ConsultationID: doc.ConsultationID,
		SHA256:         doc.SHA256,
		Name:           doc.Name,
		ObjectKey:      doc.ObjectKey,
		AnchoredAt:     doc.AnchoredAt,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "consultation_id"}, {Name: "sha256"}}, DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ListDocuments(ctx context.Context, consultationID int64) ([]ledger.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).
		Where("consultation_id = ?", consultationID).
		Order("anchored_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Document, 0, len(models))
	for _, m := range models {
		out = append(out, ledger.Document{
			ConsultationID: m.ConsultationID,
			Name:           m.Name,
			SHA256:         m.SHA256,
			ObjectKey:      m.ObjectKey,
			AnchoredAt:     m.AnchoredAt.UTC(),
		})
	}
	return out, nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Head(ctx context.Context) (Entry, bool, error) {
	var model EntryModel
	if err := t.db.WithContext(ctx).Order("seq DESC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, err := entryFromModel(model)
	return e, err == nil, err
}

func (t *gormTx) Get(ctx context.Context, consultationID int64) (Entry, bool, error) {
	var model EntryModel
	if err := t.db.WithContext(ctx).First(&model, "consultation_id = ?", consultationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, err := entryFromModel(model)
	return e, err == nil, err
}

func (t *gormTx) Insert(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e.Record)
	if err != nil {
		return err
	}
	model := EntryModel{
		ConsultationID: e.ConsultationID,
		Record:         datatypes.JSON(raw),
		PrevHash:       e.PrevHash,
		Hash:           e.Hash,
		CreatedAt:      e.CreatedAt,
	}
	if err := t.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("consultation %d: %w", e.ConsultationID, domain.ErrConflict)
		}
		return err
	}
	e.Seq = model.Seq
	return nil
}

func entryFromModel(m EntryModel) (Entry, error) {
	var rec domain.DiagnosisRecord
	if err := json.Unmarshal(m.Record, &rec); err != nil {
		return Entry{}, fmt.Errorf("decode ledger entry %d: %w", m.Seq, err)
	}
	return Entry{
		Seq:            m.Seq,
		ConsultationID: m.ConsultationID,
		Record:         rec,
		PrevHash:       m.PrevHash,
		Hash:           m.Hash,
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}
