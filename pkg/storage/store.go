package storage

import (
	"context"
	"time"
)

// DeliveryRecord is the audit entry for one webhook delivery.
type DeliveryRecord struct {
	DeliveryID string
	Provider   string
	Event      string
	Outcome    string
	StatusCode int
	Message    string
	Repository string
	CommitSHA  string
	JobID      string
	Priority   int
	SourceIP   string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeliveryFilter selects delivery rows. Zero fields match everything.
type DeliveryFilter struct {
	Provider   string
	Event      string
	Outcome    string
	Repository string
	Limit      int
}

// DeliveryStore persists webhook delivery outcomes.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, record DeliveryRecord) error
	GetDelivery(ctx context.Context, deliveryID string) (*DeliveryRecord, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]DeliveryRecord, error)
	Close() error
}
