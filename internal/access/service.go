// Package access decides who may read or edit a board.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidRole reports a role outside viewer, editor and owner.
	ErrInvalidRole = errors.New("access: invalid role")
	// ErrInvalidMember reports an empty board or user identifier.
	ErrInvalidMember = errors.New("access: invalid member")

	errMissingDatabase = errors.New("access: database handle is required")
)

// Membership binds a user to a board with a role.
type Membership struct {
	BoardID          string `gorm:"column:board_id;primaryKey;size:190"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;index"`
	Role             string `gorm:"column:role;size:32;not null"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "board_memberships"
}

// ServiceConfig describes the dependencies of the access service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service answers permission questions from stored memberships.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the access service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CanEditParent reports whether userID may reorder or modify items on boardID.
func (s *Service) CanEditParent(ctx context.Context, userID, boardID string) (bool, error) {
	return s.allowed(ctx, userID, boardID, ActionWrite)
}

// CanReadBoard reports whether userID may view boardID and join its room.
func (s *Service) CanReadBoard(ctx context.Context, userID, boardID string) (bool, error) {
	return s.allowed(ctx, userID, boardID, ActionRead)
}

// RoleOf returns the role userID holds on boardID. The boolean is false when
// the user is not a member.
func (s *Service) RoleOf(ctx context.Context, userID, boardID string) (Role, bool, error) {
	var memberships []Membership
	err := s.db.WithContext(ctx).
		Where("board_id = ? AND user_id = ?", boardID, userID).
		Limit(1).
		Find(&memberships).Error
	if err != nil {
		return "", false, fmt.Errorf("load membership: %w", err)
	}
	if len(memberships) == 0 {
		return "", false, nil
	}
	role, ok := ParseRole(memberships[0].Role)
	if !ok {
		s.logger.Warn("ignoring unknown membership role",
			zap.String("board_id", boardID),
			zap.String("user_id", userID),
			zap.String("role", memberships[0].Role))
		return "", false, nil
	}
	return role, true, nil
}

// GrantOwner records userID as owner of boardID using tx, so the grant
// commits together with the board itself.
func (s *Service) GrantOwner(tx *gorm.DB, boardID, userID string) error {
	return s.grant(tx, boardID, userID, RoleOwner)
}

// GrantRole sets the role userID holds on boardID, replacing any earlier role.
func (s *Service) GrantRole(ctx context.Context, boardID, userID string, role Role) error {
	if _, ok := ParseRole(string(role)); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return s.grant(s.db.WithContext(ctx), boardID, userID, role)
}

// Revoke removes userID from boardID.
func (s *Service) Revoke(ctx context.Context, boardID, userID string) error {
	return s.db.WithContext(ctx).
		Where("board_id = ? AND user_id = ?", boardID, userID).
		Delete(&Membership{}).Error
}

func (s *Service) allowed(ctx context.Context, userID, boardID string, action Action) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(boardID) == "" {
		return false, nil
	}
	role, ok, err := s.RoleOf(ctx, userID, boardID)
	if err != nil {
		return false, err
	}
	return ok && Can(role, action), nil
}

func (s *Service) grant(tx *gorm.DB, boardID, userID string, role Role) error {
	boardID = strings.TrimSpace(boardID)
	userID = strings.TrimSpace(userID)
	if boardID == "" || userID == "" {
		return ErrInvalidMember
	}
	membership := Membership{
		BoardID:          boardID,
		UserID:           userID,
		Role:             string(role),
		GrantedAtSeconds: s.clock().UTC().Unix(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "board_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "granted_at_s"}),
	}).Create(&membership).Error
}
