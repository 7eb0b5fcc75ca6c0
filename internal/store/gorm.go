package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/config"
	"github.com/talkincode/toughwa/internal/domain"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore keeps the registry and the credentials in postgres tables.
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects with the database section of the config and
// migrates the tables listed in domain.Tables.
func OpenPostgres(cfg config.DBConfig) (*GormStore, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		cfg.Host, cfg.User, cfg.Passwd, cfg.Name, cfg.Port)
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if cfg.Debug {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(postgres.Open(dsn), gcfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "obtain sql.DB")
	}
	if cfg.MaxConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConn)
	}
	if cfg.IdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.IdleConn)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an existing handle; used by OpenPostgres and tests.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		return nil, errors.Wrap(err, "migrate tables")
	}
	zap.L().Info("gorm store ready", zap.String("namespace", "store"))
	return &GormStore{db: db}, nil
}

func (s *GormStore) Registry() RegistryStore { return &gormRegistry{db: s.db} }
func (s *GormStore) Credentials() CredentialStore { return &gormCredentials{db: s.db} }

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormRegistry struct {
	db *gorm.DB
}

func (r *gormRegistry) Put(ctx context.Context, rec *domain.InstanceRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.ErrInvalidRequest
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "webhook_url", "updated_at"}),
	}).Create(rec).Error
	return errors.Wrapf(err, "put instance %s", rec.ID)
}

func (r *gormRegistry) Get(ctx context.Context, id string) (*domain.InstanceRecord, error) {
	var rec domain.InstanceRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get instance %s", id)
	}
	return &rec, nil
}

func (r *gormRegistry) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.InstanceRecord{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "delete instance %s", id)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *gormRegistry) List(ctx context.Context) ([]*domain.InstanceRecord, error) {
	var out []*domain.InstanceRecord
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error
	return out, errors.Wrap(err, "list instances")
}

type gormCredentials struct {
	db *gorm.DB
}

func (c *gormCredentials) Load(ctx context.Context, id string) ([]byte, error) {
	var rec domain.CredentialRecord
	err := c.db.WithContext(ctx).Where("instance_id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load credentials %s", id)
	}
	return rec.Data, nil
}

func (c *gormCredentials) Save(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return domain.ErrInvalidRequest
	}
	rec := &domain.CredentialRecord{InstanceID: id, Data: data, UpdatedAt: time.Now()}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(rec).Error
	return errors.Wrapf(err, "save credentials %s", id)
}

func (c *gormCredentials) Delete(ctx context.Context, id string) error {
	err := c.db.WithContext(ctx).Where("instance_id = ?", id).Delete(&domain.CredentialRecord{}).Error
	return errors.Wrapf(err, "delete credentials %s", id)
}

func (c *gormCredentials) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.db.WithContext(ctx).Model(&domain.CredentialRecord{}).Pluck("instance_id", &ids).Error
	return ids, errors.Wrap(err, "list credentials")
}
