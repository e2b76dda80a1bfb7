package mysql

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/EthanQC/presence/internal/domain/errs"
	"github.com/EthanQC/presence/internal/ports/out"
)

const (
	contactStatusNormal int8 = 1
	contactTypeFriend   int8 = 1
)

// ContactModel 联系人表，只读；由 identity 服务维护
type ContactModel struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    uint64    `gorm:"column:user_id;not null;index"`
	FriendID  uint64    `gorm:"column:friend_id;not null;index"`
	Status    int8      `gorm:"column:status;type:tinyint;not null;default:1"`
	Type      int8      `gorm:"column:type;type:tinyint;not null;default:1"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime"`
}

func (ContactModel) TableName() string {
	return "contacts"
}

// FriendResolverMySQL 从联系人表读取好友列表
type FriendResolverMySQL struct {
	db *gorm.DB
}

func NewFriendResolverMySQL(db *gorm.DB) *FriendResolverMySQL {
	return &FriendResolverMySQL{db: db}
}

var _ out.FriendResolver = (*FriendResolverMySQL)(nil)

// Resolve 非数字 ID 在联系人表里不可能存在，直接返回空
func (r *FriendResolverMySQL) Resolve(ctx context.Context, userID string) ([]string, error) {
	uid, err := strconv.ParseUint(userID, 10, 64)
	if err != nil {
		return []string{}, nil
	}

	var friendIDs []uint64
	err = r.db.WithContext(ctx).
		Model(&ContactModel{}).
		Where("user_id = ? AND status = ? AND type = ? AND friend_id <> ?", uid, contactStatusNormal, contactTypeFriend, uid).
		Order("friend_id ASC").
		Distinct().
		Pluck("friend_id", &friendIDs).Error
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w: %w", errs.ErrStoreUnavailable, err)
	}

	friends := make([]string, 0, len(friendIDs))
	for _, id := range friendIDs {
		friends = append(friends, strconv.FormatUint(id, 10))
	}
	return friends, nil
}
