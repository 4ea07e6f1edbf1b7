package orderstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"orderflow/internal/model"
)

// orderRow is the relational layout; order_id is the primary key so the
// database enforces uniqueness.
type orderRow struct {
	OrderID   string           `gorm:"primaryKey;size:128"`
	Customer  string           `gorm:"size:256;not null"`
	Items     []model.LineItem `gorm:"serializer:json;not null"`
	CreatedAt time.Time        `gorm:"index"`
	Status    string           `gorm:"size:16;not null;index"`
}

func (orderRow) TableName() string { return "orders" }

func toRow(o model.Order) orderRow {
	return orderRow{OrderID: o.OrderID, Customer: o.Customer, Items: o.Items, CreatedAt: o.CreatedAt, Status: string(o.Status)}
}

func (r orderRow) order() model.Order {
	return model.Order{OrderID: r.OrderID, Customer: r.Customer, Items: r.Items, CreatedAt: r.CreatedAt.UTC(), Status: model.Status(r.Status)}
}

// GormStore implements Store on a SQL database through GORM.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm opens a GORM store for driver "sqlite" or "postgres" and migrates the schema.
func OpenGorm(driver, dsn string) (*GormStore, error) {
	var dial gorm.Dialector
	switch driver {
	case "sqlite":
		dial = sqlite.Open(dsn)
	case "postgres":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("gorm db: %w", err)
		}
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&orderRow{}); err != nil {
		return nil, fmt.Errorf("migrate orders: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormStore) Put(ctx context.Context, o model.Order) (PutResult, error) {
	if err := o.Validate(); err != nil {
		return 0, err
	}
	row := toRow(o)
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return 0, unavailable("gorm insert", res.Error)
	}
	if res.RowsAffected == 0 {
		return AlreadyExists, nil
	}
	return Created, nil
}

func (g *GormStore) Get(ctx context.Context, orderID string) (model.Order, error) {
	var row orderRow
	err := g.db.WithContext(ctx).Where("order_id = ?", orderID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	if err != nil {
		return model.Order{}, unavailable("gorm get", err)
	}
	return row.order(), nil
}

func (g *GormStore) List(ctx context.Context) ([]model.Order, error) {
	var rows []orderRow
	if err := g.db.WithContext(ctx).Order("created_at DESC, order_id DESC").Find(&rows).Error; err != nil {
		return nil, unavailable("gorm list", err)
	}
	out := make([]model.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.order())
	}
	return out, nil
}

func (g *GormStore) SetStatus(ctx context.Context, orderID string, next model.Status) error {
	res := g.db.WithContext(ctx).Model(&orderRow{}).
		Where("order_id = ? AND status = ?", orderID, string(model.StatusReceived)).
		Update("status", string(next))
	if res.Error != nil {
		return unavailable("gorm update", res.Error)
	}
	if res.RowsAffected == 1 && next != model.StatusReceived {
		return nil
	}
	cur, err := g.Get(ctx, orderID)
	if err != nil {
		return err
	}
	_, err = transition(cur.Status, next)
	return err
}
