// Package hosted plays the hosted realtime database for the engines: rows
// are persisted in SQLite and every write is announced as a row-change
// envelope on the relay.
package hosted

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/errs"
	"github.com/matheus3301/rtchat/internal/relay"
	"github.com/matheus3301/rtchat/internal/store"
)

var idEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// StoryDeleted is the payload of a story DELETE row change.
type StoryDeleted struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

// Service is the persistent store collaborator of one session.
type Service struct {
	db     *store.DB
	relay  relay.Client
	ids    *sonyflake.Sonyflake
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Service. machineID distinguishes id generators of services
// sharing one database.
func New(db *store.DB, rc relay.Client, machineID uint16, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: idEpoch,
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}
	return &Service{
		db:     db,
		relay:  rc,
		ids:    sf,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) nextID() (string, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}

// announce publishes a row change. A failed announcement does not undo the
// write; subscribers catch up on their next fetch.
func (s *Service) announce(ctx context.Context, topic, event string, row any) {
	if err := s.relay.Publish(ctx, topic, event, row); err != nil {
		s.logger.Warn("row change not announced",
			zap.String("topic", topic), zap.String("event", event), zap.Error(err))
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return errs.E(errs.NotFound, op, err)
	}
	return errs.E(errs.TransientNetwork, op, err)
}
