package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-alerts/internal/models"
	"github.com/noah-isme/gema-alerts/internal/snapshot"
)

const snapshotBatchSize = 200

// AlertSnapshotRepository persists the full alert list between restarts.
type AlertSnapshotRepository interface {
	Save(ctx context.Context, alerts []models.Alert) error
	Load(ctx context.Context) (snapshot.Result, error)
}

type gormAlertSnapshotRepository struct {
	db *gorm.DB
}

// NewGormAlertSnapshotRepository stores snapshots as rows of the alerts table.
func NewGormAlertSnapshotRepository(db *gorm.DB) AlertSnapshotRepository {
	return &gormAlertSnapshotRepository{db: db}
}

func (r *gormAlertSnapshotRepository) Save(ctx context.Context, alerts []models.Alert) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Alert{}).Error; err != nil {
			return fmt.Errorf("clear alert snapshot: %w", err)
		}
		if len(alerts) == 0 {
			return nil
		}
		rows := make([]models.Alert, len(alerts))
		copy(rows, alerts)
		if err := tx.CreateInBatches(&rows, snapshotBatchSize).Error; err != nil {
			return fmt.Errorf("write alert snapshot: %w", err)
		}
		return nil
	})
}

func (r *gormAlertSnapshotRepository) Load(ctx context.Context) (snapshot.Result, error) {
	var alerts []models.Alert
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&alerts).Error; err != nil {
		return snapshot.Result{}, err
	}
	indexes := make([]int, len(alerts))
	for i := range indexes {
		indexes[i] = i
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	return snapshot.Result{Alerts: alerts, Indexes: indexes}, nil
}

type redisAlertSnapshotRepository struct {
	client *redis.Client
	key    string
}

// NewRedisAlertSnapshotRepository stores snapshots as a JSON array under a single key.
func NewRedisAlertSnapshotRepository(client *redis.Client, key string) AlertSnapshotRepository {
	if key == "" {
		key = "gema:alerts:snapshot"
	}
	return &redisAlertSnapshotRepository{client: client, key: key}
}

func (r *redisAlertSnapshotRepository) Save(ctx context.Context, alerts []models.Alert) error {
	payload, err := snapshot.Encode(alerts)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, payload, 0).Err()
}

func (r *redisAlertSnapshotRepository) Load(ctx context.Context) (snapshot.Result, error) {
	payload, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return snapshot.Result{Alerts: []models.Alert{}}, nil
		}
		return snapshot.Result{}, err
	}
	return snapshot.Decode(payload)
}
