package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/poflow/internal/docstore"
	"github.com/hitoshi/poflow/internal/model"
)

// RolesCollection はRoleRecordを保存するコレクション。文書IDはuid。
const RolesCollection = "roles"

// RolePath はuidのRoleRecordのパスを返す。
func RolePath(uid string) string {
	return docstore.Doc(RolesCollection, uid)
}

// EnsureRoleRecord はRoleRecordが存在しなければ最下位ロールで作成し、
// 存在すればメールアドレスと表示名のみ更新する。role は上書きしない。
// 同じuidに対して並行に呼ばれてもRoleRecordは1件だけになる。
func EnsureRoleRecord(ctx context.Context, store docstore.Store, ident *model.Identity) error {
	path := RolePath(ident.UID)
	created, err := store.Create(ctx, path, docstore.Data{
		"uid":         ident.UID,
		"email":       ident.Email,
		"displayName": ident.DisplayName,
		"role":        string(model.LowestRole),
		"createdAt":   docstore.ServerTimestamp,
		"updatedAt":   docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to create role record: %w", err)
	}
	if created {
		slog.Info("role record created",
			slog.String("uid", ident.UID),
			slog.String("role", string(model.LowestRole)),
		)
		return nil
	}

	if err := store.Set(ctx, path, docstore.Data{
		"email":       ident.Email,
		"displayName": ident.DisplayName,
		"updatedAt":   docstore.ServerTimestamp,
	}, docstore.Merge()); err != nil {
		return fmt.Errorf("failed to update role record: %w", err)
	}
	return nil
}

// LookupRole はuidのロールを読み込む。RoleRecordが存在しない場合はNOT_FOUNDエラーを返す。
func LookupRole(ctx context.Context, store docstore.Store, uid string) (model.Role, error) {
	rec, err := LookupRoleRecord(ctx, store, uid)
	if err != nil {
		return model.RoleUnknown, err
	}
	return rec.EffectiveRole(), nil
}

// LookupRoleRecord はuidのRoleRecordを読み込む。
func LookupRoleRecord(ctx context.Context, store docstore.Store, uid string) (*model.RoleRecord, error) {
	snap, err := store.Get(ctx, RolePath(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to get role record: %w", err)
	}
	if !snap.Exists {
		return nil, model.NewNotFoundError("role record", uid)
	}
	return DecodeRoleRecord(snap), nil
}

// DecodeRoleRecord はスナップショットをRoleRecordに変換する。
// デコードできない文書は RoleUnknown として扱う。
func DecodeRoleRecord(snap *docstore.Snapshot) *model.RoleRecord {
	rec := &model.RoleRecord{}
	if err := snap.DataTo(rec); err != nil {
		return &model.RoleRecord{UID: snap.ID, Role: model.RoleUnknown}
	}
	rec.UID = snap.ID
	return rec
}
