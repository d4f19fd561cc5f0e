package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/config"
)

// Document is one named JSON blob in the durable store. Presets, the
// gallery and default settings each persist under their own key; the
// server treats the value as opaque.
type Document struct {
	Key       string    `gorm:"primaryKey;size:64"`
	Value     []byte    `gorm:"type:mediumblob"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Document) TableName() string {
	return "documents"
}

// Well-known document keys.
const (
	KeyPresets         = "presets"
	KeyGallery         = "gallery"
	KeyDefaultSettings = "default_settings"
)

// ErrNoDocument is returned when a key has never been written.
var ErrNoDocument = errors.New("document not found")

// MySQLStore is the durable document store backed by MySQL.
type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&Document{}); err != nil {
		return nil, err
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save upserts one document.
func (s *MySQLStore) Save(key string, value []byte) error {
	doc := Document{Key: key, Value: value}
	return s.db.Save(&doc).Error
}

// Load reads one document; ErrNoDocument if the key was never written.
func (s *MySQLStore) Load(key string) ([]byte, error) {
	var doc Document
	err := s.db.First(&doc, "`key` = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

// Delete removes one document. Deleting a missing key is not an error.
func (s *MySQLStore) Delete(key string) error {
	return s.db.Delete(&Document{}, "`key` = ?", key).Error
}
