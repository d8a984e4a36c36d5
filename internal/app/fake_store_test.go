package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"haven/api/internal/store"
)

// fakeStore is an in-memory dataStore. The *Fn fields override single methods
// to inject failures.
type fakeStore struct {
	mu         sync.Mutex
	users      map[string]store.User
	posts      map[string]store.Post
	roleGrants map[string][]string
	userGrants map[string][]string
	replies    map[string][]store.Reply
	activity   []store.ActivityEntry
	tick       int

	pingErr          error
	getUserByIDFn    func(context.Context, string) (store.User, error)
	insertActivityFn func(context.Context, store.ActivityEntry) error
	beforeUpdateFn   func(postID string)
	listGrantsCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]store.User),
		posts:      make(map[string]store.Post),
		roleGrants: make(map[string][]string),
		userGrants: make(map[string][]string),
		replies:    make(map[string][]store.Reply),
	}
}

func (f *fakeStore) now() time.Time {
	f.tick++
	return time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC).Add(time.Duration(f.tick) * time.Second)
}

func (f *fakeStore) addUser(id, name, role string) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := store.User{ID: id, DisplayName: name, Email: id + "@haven.test", Role: role}
	f.users[id] = user
	return user
}

func (f *fakeStore) setRole(id, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[id]
	user.Role = role
	f.users[id] = user
}

func (f *fakeStore) deactivate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[id]
	at := time.Now()
	user.DeactivatedAt = &at
	f.users[id] = user
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return store.ErrEmailTaken
		}
	}
	user.CreatedAt = f.now()
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]store.User, 0, len(f.users))
	for _, user := range f.users {
		if user.DeactivatedAt == nil {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].DisplayName < users[j].DisplayName })
	return users, nil
}

func (f *fakeStore) CountUsers(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeStore) checkGrantees(userIDs []string) error {
	for _, id := range userIDs {
		if _, ok := f.users[id]; !ok {
			return fmt.Errorf("insert user grant: %w", store.ErrUnknownGrantee)
		}
	}
	return nil
}

func (f *fakeStore) InsertPost(_ context.Context, post store.Post, roles, userIDs []string) (store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkGrantees(userIDs); err != nil {
		return store.Post{}, err
	}
	if post.Status == "" {
		post.Status = store.PostStatusActive
	}
	post.CreatedAt = f.now()
	post.UpdatedAt = post.CreatedAt
	f.posts[post.ID] = post
	f.roleGrants[post.ID] = append([]string(nil), roles...)
	f.userGrants[post.ID] = append([]string(nil), userIDs...)
	return post, nil
}

func (f *fakeStore) UpdatePost(_ context.Context, post store.Post, roles, userIDs []string) (store.Post, error) {
	if f.beforeUpdateFn != nil {
		f.beforeUpdateFn(post.ID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.posts[post.ID]
	if !ok || current.Status != store.PostStatusActive {
		return store.Post{}, sql.ErrNoRows
	}
	if err := f.checkGrantees(userIDs); err != nil {
		return store.Post{}, err
	}
	current.Title = post.Title
	current.Body = post.Body
	current.Visibility = post.Visibility
	current.UpdatedAt = f.now()
	f.posts[post.ID] = current
	f.roleGrants[post.ID] = append([]string(nil), roles...)
	f.userGrants[post.ID] = append([]string(nil), userIDs...)
	return current, nil
}

func (f *fakeStore) SoftDeletePost(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[id]
	if !ok {
		return sql.ErrNoRows
	}
	post.Status = store.PostStatusDeleted
	post.UpdatedAt = f.now()
	f.posts[id] = post
	return nil
}

func (f *fakeStore) withAuthor(post store.Post) store.Post {
	author := f.users[post.AuthorID]
	post.AuthorName = author.DisplayName
	post.AuthorRole = author.Role
	return post
}

func (f *fakeStore) GetPost(_ context.Context, id string) (store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[id]
	if !ok {
		return store.Post{}, sql.ErrNoRows
	}
	return f.withAuthor(post), nil
}

func (f *fakeStore) ListActivePosts(context.Context) ([]store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	posts := make([]store.Post, 0, len(f.posts))
	for _, post := range f.posts {
		if post.Status == store.PostStatusActive {
			posts = append(posts, f.withAuthor(post))
		}
	}
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID > posts[j].ID
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	return posts, nil
}

func (f *fakeStore) ListActivePostsByIDs(_ context.Context, ids []string) ([]store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	posts := make([]store.Post, 0, len(ids))
	for _, id := range ids {
		if post, ok := f.posts[id]; ok && post.Status == store.PostStatusActive {
			posts = append(posts, f.withAuthor(post))
		}
	}
	return posts, nil
}

func (f *fakeStore) ListGrants(_ context.Context, ids []string) (map[string]store.Grants, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listGrantsCalls++
	out := make(map[string]store.Grants, len(ids))
	for _, id := range ids {
		grants := store.Grants{Roles: append([]string(nil), f.roleGrants[id]...)}
		for _, userID := range f.userGrants[id] {
			user := f.users[userID]
			grants.Users = append(grants.Users, store.GrantUser{ID: user.ID, Name: user.DisplayName, Role: user.Role})
		}
		out[id] = grants
	}
	return out, nil
}

func (f *fakeStore) InsertReply(_ context.Context, reply store.Reply, limit int) (store.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[reply.PostID]
	if !ok || post.Status != store.PostStatusActive {
		return store.Reply{}, sql.ErrNoRows
	}
	if len(f.replies[reply.PostID]) >= limit {
		return store.Reply{}, store.ErrReplyLimit
	}
	reply.CreatedAt = f.now()
	reply.UpdatedAt = reply.CreatedAt
	f.replies[reply.PostID] = append(f.replies[reply.PostID], reply)
	return reply, nil
}

func (f *fakeStore) repliesWithAuthors(postID string) []store.Reply {
	replies := make([]store.Reply, 0, len(f.replies[postID]))
	for _, reply := range f.replies[postID] {
		author := f.users[reply.AuthorID]
		reply.AuthorName = author.DisplayName
		reply.AuthorRole = author.Role
		replies = append(replies, reply)
	}
	return replies
}

func (f *fakeStore) ListReplies(_ context.Context, postID string) ([]store.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repliesWithAuthors(postID), nil
}

func (f *fakeStore) ListRepliesForPosts(_ context.Context, ids []string) (map[string][]store.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]store.Reply, len(ids))
	for _, id := range ids {
		if replies := f.repliesWithAuthors(id); len(replies) > 0 {
			out[id] = replies
		}
	}
	return out, nil
}

func (f *fakeStore) InsertActivity(ctx context.Context, entry store.ActivityEntry) error {
	if f.insertActivityFn != nil {
		return f.insertActivityFn(ctx, entry)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.CreatedAt = f.now()
	f.activity = append(f.activity, entry)
	return nil
}

func (f *fakeStore) ListActivity(_ context.Context, limit int) ([]store.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ActivityEntry, 0, len(f.activity))
	for i := len(f.activity) - 1; i >= 0; i-- {
		entry := f.activity[i]
		entry.UserName = f.users[entry.UserID].DisplayName
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) replyCount(postID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies[postID])
}

func (f *fakeStore) grantsOf(postID string) ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.roleGrants[postID]...), append([]string(nil), f.userGrants[postID]...)
}

func (f *fakeStore) activityActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, 0, len(f.activity))
	for _, entry := range f.activity {
		actions = append(actions, entry.Action)
	}
	return actions
}
