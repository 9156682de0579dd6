package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"payment-orchestration-backend/internal/payerr"
)

// UserInfo and RideInfo are read from tables owned by the rest of the
// platform. The payment core never writes them.
type UserInfo struct {
	ID    string
	Phone string
	Email string
}

type RideInfo struct {
	ID     string
	UserID string
	Fare   decimal.Decimal
	Status string
}

type DirectoryRepository struct {
	db         *gorm.DB
	usersTable string
	ridesTable string
}

func NewDirectoryRepository(db *gorm.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db, usersTable: "users", ridesTable: "rides"}
}

func (r *DirectoryRepository) User(ctx context.Context, id string) (*UserInfo, error) {
	var u UserInfo
	err := r.db.WithContext(ctx).Table(r.usersTable).
		Select("id, phone, email").
		Where("id = ?", id).
		Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payerr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *DirectoryRepository) Ride(ctx context.Context, id string) (*RideInfo, error) {
	var ride RideInfo
	err := r.db.WithContext(ctx).Table(r.ridesTable).
		Select("id, user_id, fare, status").
		Where("id = ?", id).
		Take(&ride).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, payerr.NotFound("ride %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}
