// Package receipts keeps a local record of booking attempts so a user can
// see confirmations and reconcile submissions whose outcome was unknown.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/govbook/internal/reservation"
)

const (
	defaultKeyPrefix = "govbook:receipts"
	receiptTTL       = 90 * 24 * time.Hour
	maxReceipts      = 200
)

// Receipt records one terminal booking attempt.
type Receipt struct {
	ID               string                  `json:"id"`
	SessionID        string                  `json:"session_id"`
	DepartmentID     string                  `json:"department_id"`
	ServiceID        string                  `json:"service_id"`
	ServiceName      string                  `json:"service_name,omitempty"`
	RequestedDate    string                  `json:"requested_date"`
	RequestedTime    string                  `json:"requested_time"`
	Outcome          reservation.OutcomeKind `json:"outcome"`
	AppointmentDate  string                  `json:"appointment_date,omitempty"`
	AppointmentTime  string                  `json:"appointment_time,omitempty"`
	AppointmentID    string                  `json:"appointment_id,omitempty"`
	ContactReference string                  `json:"contact_reference,omitempty"`
	Reason           string                  `json:"reason,omitempty"`
	RecordedAt       time.Time               `json:"recorded_at"`
}

// NeedsReconciliation reports whether the server may have booked the slot
// without the client hearing about it.
func (r Receipt) NeedsReconciliation() bool {
	return r.Outcome == reservation.OutcomeTransportFailure
}

// FromOutcome builds a receipt for a resolved submission.
func FromOutcome(sessionID, serviceName string, req reservation.Request, o reservation.Outcome) Receipt {
	r := Receipt{
		SessionID:        sessionID,
		DepartmentID:     req.DepartmentID,
		ServiceID:        req.ServiceID,
		ServiceName:      serviceName,
		RequestedDate:    req.AppointmentDate,
		RequestedTime:    req.AppointmentTime,
		Outcome:          o.Kind,
		AppointmentDate:  o.AppointmentDate,
		AppointmentTime:  o.AppointmentTime,
		AppointmentID:    o.AppointmentID,
		ContactReference: o.ContactReference,
		Reason:           o.Reason,
	}
	if o.Kind == reservation.OutcomeTransportFailure && o.Err != nil {
		r.Reason = o.Err.Error()
	}
	return r
}

// Store persists receipts per user.
type Store interface {
	Append(ctx context.Context, user string, r Receipt) error
	List(ctx context.Context, user string, limit int64) ([]Receipt, error)
}

func prepare(user string, r *Receipt) error {
	if strings.TrimSpace(user) == "" {
		return errors.New("receipts: user required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	return nil
}

// RedisStore keeps the most recent receipts in a redis list per user.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	tracer trace.Tracer
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if client == nil {
		panic("receipts: redis client required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{
		redis:  client,
		prefix: strings.TrimRight(prefix, ":"),
		tracer: otel.Tracer("govbook.internal.receipts"),
	}
}

func (s *RedisStore) key(user string) string {
	return s.prefix + ":" + user
}

func (s *RedisStore) Append(ctx context.Context, user string, r Receipt) error {
	if err := prepare(user, &r); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("receipts: marshal: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "receipts.append")
	defer span.End()

	key := s.key(user)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, receiptTTL)
	pipe.LTrim(ctx, key, -maxReceipts, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("receipts: append: %w", err)
	}
	return nil
}

// List returns up to limit receipts, newest first. limit <= 0 returns all.
func (s *RedisStore) List(ctx context.Context, user string, limit int64) ([]Receipt, error) {
	if strings.TrimSpace(user) == "" {
		return nil, errors.New("receipts: user required")
	}
	ctx, span := s.tracer.Start(ctx, "receipts.list")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := s.redis.LRange(ctx, s.key(user), start, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return nil, fmt.Errorf("receipts: list: %w", err)
	}

	out := make([]Receipt, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var r Receipt
		if err := json.Unmarshal([]byte(raw[i]), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// MemoryStore is used when no redis is configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]Receipt)}
}

func (m *MemoryStore) Append(_ context.Context, user string, r Receipt) error {
	if err := prepare(user, &r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.data[user], r)
	if len(list) > maxReceipts {
		list = list[len(list)-maxReceipts:]
	}
	m.data[user] = list
	return nil
}

func (m *MemoryStore) List(_ context.Context, user string, limit int64) ([]Receipt, error) {
	if strings.TrimSpace(user) == "" {
		return nil, errors.New("receipts: user required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.data[user]
	if limit > 0 && int64(len(list)) > limit {
		list = list[int64(len(list))-limit:]
	}
	out := make([]Receipt, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	return out, nil
}
