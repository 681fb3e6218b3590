// Package user は管理者向けのユーザー管理（ロール一覧と割り当て）を提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/poflow/internal/auth"
	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/model"
)

// SessionRoleUpdater は発行済みセッションのロールを更新する。
type SessionRoleUpdater interface {
	UpdateRoleByUID(ctx context.Context, uid string, role model.Role) error
}

// Service はユーザー管理のサービス層。
// RoleRecord の role を変更できるのはこの経路だけ。
type Service struct {
	store    docstore.Store
	sessions SessionRoleUpdater
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(store docstore.Store, sessions SessionRoleUpdater, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		logger:   logger,
	}
}

// ListUsers は全ユーザーのRoleRecordをメールアドレス順に返す。管理者のみ。
func (s *Service) ListUsers(ctx context.Context, actorUID string) ([]*model.RoleRecord, error) {
	if err := s.requireAdmin(ctx, "list_users", actorUID); err != nil {
		return nil, err
	}

	snaps, err := s.store.RunQuery(ctx, docstore.Query{Collection: auth.RolesCollection, OrderBy: "email"})
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	records := make([]*model.RoleRecord, 0, len(snaps))
	for _, snap := range snaps {
		records = append(records, auth.DecodeRoleRecord(snap))
	}
	return records, nil
}

// AssignRole は対象ユーザーのロールを変更する。管理者のみ。
// 変更後は発行済みセッションのロールも更新する。管理者は自分自身のロールを変更できない。
func (s *Service) AssignRole(ctx context.Context, actorUID, targetUID string, role model.Role) (*model.RoleRecord, error) {
	if err := s.requireAdmin(ctx, "assign_role", actorUID); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, model.NewValidationError(fmt.Sprintf("ロール %q は存在しません", role))
	}
	if targetUID == actorUID {
		return nil, model.NewValidationError("自分自身のロールは変更できません")
	}

	rec, err := auth.LookupRoleRecord(ctx, s.store, targetUID)
	if err != nil {
		return nil, err
	}
	previous := rec.EffectiveRole()

	if err := s.store.Update(ctx, auth.RolePath(targetUID), docstore.Data{
		"role":      string(role),
		"updatedAt": docstore.ServerTimestamp,
	}); err != nil {
		return nil, fmt.Errorf("ロールの更新に失敗しました: %w", err)
	}

	// セッションの更新に失敗してもロールの変更は確定しており、次回の発行で反映される
	if s.sessions != nil {
		if err := s.sessions.UpdateRoleByUID(ctx, targetUID, role); err != nil {
			s.logger.Error("failed to update session roles",
				slog.String("uid", targetUID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("role assigned",
		slog.String("actor_uid", actorUID),
		slog.String("uid", targetUID),
		slog.String("from", string(previous)),
		slog.String("to", string(role)),
	)

	rec.Role = role
	return rec, nil
}

func (s *Service) requireAdmin(ctx context.Context, operation, actorUID string) error {
	role, err := auth.LookupRole(ctx, s.store, actorUID)
	if err != nil {
		return err
	}
	if role != model.RoleAdmin {
		return model.NewForbiddenOperationError(operation, role)
	}
	return nil
}
