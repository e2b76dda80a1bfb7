package mysql

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/EthanQC/presence/internal/domain/errs"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ContactModel{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestFriendResolverMySQL_Resolve(t *testing.T) {
	db := newTestDB(t)
	rows := []ContactModel{
		{UserID: 1, FriendID: 5, Status: 1, Type: 1},
		{UserID: 1, FriendID: 3, Status: 1, Type: 1},
		{UserID: 1, FriendID: 3, Status: 1, Type: 1}, // 重复行
		{UserID: 1, FriendID: 1, Status: 1, Type: 1}, // 自己
		{UserID: 1, FriendID: 8, Status: 2, Type: 1}, // 已删除
		{UserID: 1, FriendID: 9, Status: 1, Type: 2}, // 非好友关系
		{UserID: 2, FriendID: 1, Status: 1, Type: 1},
	}
	require.NoError(t, db.Create(&rows).Error)

	r := NewFriendResolverMySQL(db)

	friends, err := r.Resolve(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "5"}, friends)

	friends, err = r.Resolve(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, friends)
}

func TestFriendResolverMySQL_Unknown(t *testing.T) {
	r := NewFriendResolverMySQL(newTestDB(t))

	for _, id := range []string{"42", "abc", ""} {
		friends, err := r.Resolve(context.Background(), id)
		require.NoError(t, err, id)
		assert.Empty(t, friends, id)
	}
}

func TestFriendResolverMySQL_Unavailable(t *testing.T) {
	db := newTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = NewFriendResolverMySQL(db).Resolve(context.Background(), "1")
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
}
