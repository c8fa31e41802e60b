// Package db holds the relational store access used by the engagement
// substrate: GORM-backed reads against posts and users (the authoritative
// source for rebuild and feed origin loads), and a lower-level pgx store
// for the follow-relation and outbox tables that need explicit transaction
// control.
package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ruiwen/engage/common"
)

// Post is the authoritative record for a piece of content. Visibility
// controls whether ListFeedPage includes it in the public feed; Top pins it
// ahead of chronological order within its owner's feed.
type Post struct {
	ID         int64 `gorm:"primaryKey"`
	AuthorID   int64
	Title      string
	Content    string
	Visibility string
	Top        bool
	Published  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

// TableName pins the GORM table name instead of relying on pluralization.
func (Post) TableName() string { return "know_post" }

// User is the minimal profile projection the feed and counter rebuild paths
// need; it is not the full identity record owned by an auth service.
type User struct {
	ID       int64 `gorm:"primaryKey"`
	Nickname string
	Avatar   string
}

func (User) TableName() string { return "app_user" }

// PostStore provides the read paths GORM serves well: single-row lookups,
// author-scoped counts, and ordered feed pages. The write-heavy,
// transaction-sensitive relation and outbox tables live in RelationStore
// instead, built directly on pgx.
type PostStore struct {
	gdb *gorm.DB
}

// NewPostStore opens a GORM connection and configures pooling. Pool sizes
// mirror what a single-node counter/feed service needs, not a public API
// gateway's concurrency.
func NewPostStore(dsn string) (*PostStore, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("db: open postgres: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return &PostStore{gdb: gdb}, nil
}

// Migrate creates or updates the post/user tables. Intended for local
// development and test setup; a managed deployment runs migrations out of
// band.
func (s *PostStore) Migrate() error {
	return s.gdb.AutoMigrate(&Post{}, &User{})
}

// CountPublishedByAuthor counts the live, published posts owned by a user,
// the authoritative source for the user counter's posts segment.
func (s *PostStore) CountPublishedByAuthor(ctx context.Context, authorID int64) (int64, error) {
	var n int64
	err := s.gdb.WithContext(ctx).Model(&Post{}).
		Where("author_id = ? AND published = ?", authorID, true).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("db: count posts for author %d: %w", authorID, err)
	}
	return n, nil
}

// ListPublishedIDsByAuthor returns every published post id owned by a user,
// the working set the user counter rebuild sums engagement over.
func (s *PostStore) ListPublishedIDsByAuthor(ctx context.Context, authorID int64) ([]int64, error) {
	var ids []int64
	err := s.gdb.WithContext(ctx).Model(&Post{}).
		Where("author_id = ? AND published = ?", authorID, true).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("db: list published post ids for author %d: %w", authorID, err)
	}
	return ids, nil
}

// GetOwner resolves a post's author id, used by the feed invalidation
// listener to route a like/fav delta to the right user counter.
func (s *PostStore) GetOwner(ctx context.Context, postID int64) (authorID int64, found bool, err error) {
	var p Post
	err = s.gdb.WithContext(ctx).Select("author_id").First(&p, postID).Error
	if err == gorm.ErrRecordNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("db: get owner of post %d: %w", postID, err)
	}
	return p.AuthorID, true, nil
}

// GetByID loads a single post, or nil if it does not exist or was deleted.
func (s *PostStore) GetByID(ctx context.Context, postID int64) (*Post, error) {
	var p Post
	err := s.gdb.WithContext(ctx).First(&p, postID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: get post %d: %w", postID, err)
	}
	return &p, nil
}

// GetByIDs batch-loads posts, used to materialize a feed page from cached
// post ids. Missing or deleted ids are simply absent from the result.
func (s *PostStore) GetByIDs(ctx context.Context, ids []int64) ([]*Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var posts []*Post
	if err := s.gdb.WithContext(ctx).Where("id IN ?", ids).Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("db: batch get posts: %w", err)
	}
	return posts, nil
}

// ListFeedPage is the public feed's database origin load: top-pinned posts
// first, then published posts in reverse chronological order.
func (s *PostStore) ListFeedPage(ctx context.Context, limit, offset int) ([]*Post, error) {
	var posts []*Post
	err := s.gdb.WithContext(ctx).
		Where("visibility = ? AND published = ?", "public", true).
		Order("top DESC, created_at DESC").
		Limit(limit).Offset(offset).
		Find(&posts).Error
	if err != nil {
		return nil, fmt.Errorf("db: list feed page: %w", err)
	}
	return posts, nil
}

// ListFeedPageByAuthor is the "mine" feed's database origin load.
func (s *PostStore) ListFeedPageByAuthor(ctx context.Context, authorID int64, limit, offset int) ([]*Post, error) {
	var posts []*Post
	err := s.gdb.WithContext(ctx).
		Where("author_id = ? AND published = ?", authorID, true).
		Order("top DESC, created_at DESC").
		Limit(limit).Offset(offset).
		Find(&posts).Error
	if err != nil {
		return nil, fmt.Errorf("db: list feed page for author %d: %w", authorID, err)
	}
	return posts, nil
}

// GetUsersByIDs batch-loads the profile fields a feed page needs to render
// without N+1 queries per post.
func (s *PostStore) GetUsersByIDs(ctx context.Context, ids []int64) (map[int64]*User, error) {
	if len(ids) == 0 {
		return map[int64]*User{}, nil
	}
	var users []*User
	if err := s.gdb.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("db: batch get users: %w", err)
	}
	out := make(map[int64]*User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

// LogMigrationOutcome reports a migration result through the shared
// service logger, kept as a thin wrapper so callers don't import logrus
// directly just to announce startup state.
func LogMigrationOutcome(err error) {
	if err != nil {
		common.Logger.WithError(err).Error("post/user schema migration failed")
		return
	}
	common.Logger.Info("post/user schema migration complete")
}
