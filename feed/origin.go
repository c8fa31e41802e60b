// Package feed implements the multi-tier feed cache (local LRU page cache,
// a distributed page cache with a post-to-page reverse index, a
// single-flight origin load, and a sliding-window hot-key detector), plus
// the invalidation listener that reacts to engagement count changes. Whole
// pages are the only cached unit: there are no per-item or per-count
// fragment caches.
package feed

import (
	"context"
	"strconv"
	"time"

	"github.com/ruiwen/engage/counter"
	"github.com/ruiwen/engage/db"
)

// FeedType selects which feed a page request is for.
type FeedType string

const (
	FeedPublic FeedType = "public"
	FeedMine   FeedType = "mine"
)

// PageRequest describes one feed page.
type PageRequest struct {
	Type   FeedType
	UserID int64 // owner for FeedMine; ignored for FeedPublic
	Cursor int64 // offset into the feed; 0 is the first page
	Limit  int
}

// Item is one rendered feed entry.
type Item struct {
	PostID         int64     `json:"postId"`
	AuthorID       int64     `json:"authorId"`
	AuthorNickname string    `json:"authorNickname"`
	AuthorAvatar   string    `json:"authorAvatar"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Top            bool      `json:"top"`
	CreatedAt      time.Time `json:"createdAt"`
	Likes          uint32    `json:"likes"`
	Favs           uint32    `json:"favs"`
}

// Page is a cached, decoded feed page.
type Page struct {
	Items      []Item `json:"items"`
	NextCursor int64  `json:"nextCursor"`
	HasMore    bool   `json:"hasMore"`
}

// OriginFetcher loads a feed page from the system of record when no cache
// tier has it.
type OriginFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// Origin is the default OriginFetcher: it reads posts from the relational
// store and current engagement counts from the entity counter service.
type Origin struct {
	posts   *db.PostStore
	counters *counter.EntityCounterService
}

// NewOrigin wires the post store and entity counter service an origin load
// needs.
func NewOrigin(posts *db.PostStore, counters *counter.EntityCounterService) *Origin {
	return &Origin{posts: posts, counters: counters}
}

// FetchPage loads one page of posts, their authors, and their current
// like/fav counts directly from storage.
func (o *Origin) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	var posts []*db.Post
	var err error
	if req.Type == FeedMine {
		posts, err = o.posts.ListFeedPageByAuthor(ctx, req.UserID, limit+1, int(req.Cursor))
	} else {
		posts, err = o.posts.ListFeedPage(ctx, limit+1, int(req.Cursor))
	}
	if err != nil {
		return Page{}, err
	}

	hasMore := len(posts) > limit
	if hasMore {
		posts = posts[:limit]
	}

	authorIDs := make([]int64, 0, len(posts))
	for _, p := range posts {
		authorIDs = append(authorIDs, p.AuthorID)
	}
	users, err := o.posts.GetUsersByIDs(ctx, authorIDs)
	if err != nil {
		return Page{}, err
	}

	postIDs := make([]string, len(posts))
	for i, p := range posts {
		postIDs[i] = strconv.FormatInt(p.ID, 10)
	}
	counts, err := o.counters.GetCountsBatch(ctx, "post", postIDs)
	if err != nil {
		return Page{}, err
	}

	items := make([]Item, 0, len(posts))
	for _, p := range posts {
		item := Item{
			PostID:    p.ID,
			AuthorID:  p.AuthorID,
			Title:     p.Title,
			Content:   p.Content,
			Top:       p.Top,
			CreatedAt: p.CreatedAt,
		}
		if u, ok := users[p.AuthorID]; ok {
			item.AuthorNickname = u.Nickname
			item.AuthorAvatar = u.Avatar
		}
		if c, ok := counts[strconv.FormatInt(p.ID, 10)]; ok && c.Fresh {
			item.Likes = c.Likes
			item.Favs = c.Favs
		}
		items = append(items, item)
	}

	return Page{Items: items, NextCursor: req.Cursor + int64(len(posts)), HasMore: hasMore}, nil
}
