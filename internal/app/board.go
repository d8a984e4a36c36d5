package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"haven/api/internal/notify"
	"haven/api/internal/rbac"
	"haven/api/internal/search"
	"haven/api/internal/store"
	"haven/api/internal/util"
	"haven/api/internal/visibility"
)

// MaxRepliesPerPost is fixed; the sixth reply to a post is rejected.
const MaxRepliesPerPost = 5

type PostInput struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Visibility string   `json:"visibility"`
	RoleGrants []string `json:"roleGrants"`
	UserGrants []string `json:"userGrants"`
}

type GrantUserView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type VisibilityDetails struct {
	Roles []string        `json:"roles"`
	Users []GrantUserView `json:"users"`
}

type ReplyView struct {
	ID         string    `json:"id"`
	PostID     string    `json:"postId"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	AuthorName string    `json:"authorName"`
	AuthorRole string    `json:"authorRole"`
	AuthorID   string    `json:"authorId"`
}

type PostView struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Body              string            `json:"body"`
	AuthorID          string            `json:"authorId"`
	Visibility        string            `json:"visibility"`
	Status            string            `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	AuthorName        string            `json:"authorName"`
	AuthorRole        string            `json:"authorRole"`
	VisibilityDetails VisibilityDetails `json:"visibilityDetails"`
	Replies           []ReplyView       `json:"replies"`
}

type SearchResult struct {
	Results []PostView `json:"results"`
	Total   int        `json:"total"`
	Query   string     `json:"query"`
}

// boardInput is a validated PostInput with the grant set to persist.
type boardInput struct {
	title string
	body  string
	mode  visibility.Mode
	roles []string
	users []string
}

func validatePostInput(input PostInput) (boardInput, error) {
	title := strings.TrimSpace(input.Title)
	body := strings.TrimSpace(input.Body)
	var missing []string
	if title == "" {
		missing = append(missing, "title")
	}
	if body == "" {
		missing = append(missing, "body")
	}
	if strings.TrimSpace(input.Visibility) == "" {
		missing = append(missing, "visibility")
	}
	if len(missing) > 0 {
		return boardInput{}, errInvalidInput("title, body and visibility are required", map[string]any{"missing": missing})
	}

	mode, ok := visibility.ParseMode(input.Visibility)
	if !ok {
		return boardInput{}, errInvalidInput("unknown visibility", map[string]any{"visibility": input.Visibility})
	}

	var roles []string
	if mode == visibility.ModeRoleBased {
		for _, raw := range input.RoleGrants {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			role, ok := rbac.Parse(raw)
			if !ok {
				return boardInput{}, errInvalidInput("unknown role in grants", map[string]any{"role": raw})
			}
			roles = append(roles, string(role))
		}
	}
	roles, users := visibility.Grants(mode, roles, input.UserGrants)
	return boardInput{title: title, body: body, mode: mode, roles: roles, users: users}, nil
}

func subjectOf(post store.Post, grants store.Grants) visibility.Subject {
	return visibility.Subject{
		Mode:     visibility.Mode(post.Visibility),
		AuthorID: post.AuthorID,
		Roles:    grants.Roles,
		Users:    grants.UserIDs(),
	}
}

// canModify: authors edit their own posts, moderators edit any.
func canModify(viewer Viewer, post store.Post) bool {
	return post.AuthorID == viewer.UserID || rbac.Can(rbac.Normalize(viewer.Role), rbac.ActionModerate)
}

// lookupPost returns the post and its grants when it exists and viewer may see
// it. activeOnly additionally hides deleted posts.
func (s *Service) lookupPost(ctx context.Context, viewer Viewer, postID string, activeOnly bool) (store.Post, store.Grants, error) {
	post, err := s.store.GetPost(ctx, postID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Post{}, store.Grants{}, errNotFound()
	}
	if err != nil {
		return store.Post{}, store.Grants{}, err
	}
	if activeOnly && post.Status != store.PostStatusActive {
		return store.Post{}, store.Grants{}, errNotFound()
	}
	grants, err := s.store.ListGrants(ctx, []string{post.ID})
	if err != nil {
		return store.Post{}, store.Grants{}, err
	}
	g := grants[post.ID]
	if !visibility.CanView(subjectOf(post, g), viewer.UserID, viewer.Role) {
		return store.Post{}, store.Grants{}, errNotFound()
	}
	return post, g, nil
}

// assemble filters posts through the visibility predicate and attaches grant
// details and replies. Every read path goes through here.
func (s *Service) assemble(ctx context.Context, viewer Viewer, posts []store.Post) ([]PostView, error) {
	if len(posts) == 0 {
		return []PostView{}, nil
	}
	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, post.ID)
	}
	grants, err := s.store.ListGrants(ctx, ids)
	if err != nil {
		return nil, err
	}

	visible := make([]store.Post, 0, len(posts))
	visibleIDs := make([]string, 0, len(posts))
	for _, post := range posts {
		if visibility.CanView(subjectOf(post, grants[post.ID]), viewer.UserID, viewer.Role) {
			visible = append(visible, post)
			visibleIDs = append(visibleIDs, post.ID)
		}
	}
	if len(visible) == 0 {
		return []PostView{}, nil
	}

	replies, err := s.store.ListRepliesForPosts(ctx, visibleIDs)
	if err != nil {
		return nil, err
	}

	views := make([]PostView, 0, len(visible))
	for _, post := range visible {
		views = append(views, postView(post, grants[post.ID], replies[post.ID]))
	}
	return views, nil
}

func postView(post store.Post, grants store.Grants, replies []store.Reply) PostView {
	details := VisibilityDetails{Roles: []string{}, Users: []GrantUserView{}}
	details.Roles = append(details.Roles, grants.Roles...)
	for _, user := range grants.Users {
		details.Users = append(details.Users, GrantUserView{ID: user.ID, Name: user.Name, Role: string(rbac.Normalize(user.Role))})
	}
	replyViews := make([]ReplyView, 0, len(replies))
	for _, reply := range replies {
		replyViews = append(replyViews, replyView(reply))
	}
	return PostView{
		ID:                post.ID,
		Title:             post.Title,
		Body:              post.Body,
		AuthorID:          post.AuthorID,
		Visibility:        post.Visibility,
		Status:            post.Status,
		CreatedAt:         post.CreatedAt,
		UpdatedAt:         post.UpdatedAt,
		AuthorName:        post.AuthorName,
		AuthorRole:        string(rbac.Normalize(post.AuthorRole)),
		VisibilityDetails: details,
		Replies:           replyViews,
	}
}

func replyView(reply store.Reply) ReplyView {
	return ReplyView{
		ID:         reply.ID,
		PostID:     reply.PostID,
		Body:       reply.Body,
		CreatedAt:  reply.CreatedAt,
		UpdatedAt:  reply.UpdatedAt,
		AuthorName: reply.AuthorName,
		AuthorRole: string(rbac.Normalize(reply.AuthorRole)),
		AuthorID:   reply.AuthorID,
	}
}

// Feed returns every active post the viewer can see, newest first.
func (s *Service) Feed(ctx context.Context, viewer Viewer) ([]PostView, error) {
	posts, err := s.store.ListActivePosts(ctx)
	if err != nil {
		return nil, err
	}
	return s.assemble(ctx, viewer, posts)
}

func (s *Service) GetPost(ctx context.Context, viewer Viewer, postID string) (PostView, error) {
	post, _, err := s.lookupPost(ctx, viewer, postID, true)
	if err != nil {
		return PostView{}, err
	}
	views, err := s.assemble(ctx, viewer, []store.Post{post})
	if err != nil {
		return PostView{}, err
	}
	if len(views) == 0 {
		return PostView{}, errNotFound()
	}
	return views[0], nil
}

func (s *Service) CreatePost(ctx context.Context, viewer Viewer, input PostInput) (PostView, error) {
	if !rbac.Can(rbac.Normalize(viewer.Role), rbac.ActionPost) {
		return PostView{}, errForbidden()
	}
	in, err := validatePostInput(input)
	if err != nil {
		return PostView{}, err
	}

	post, err := s.store.InsertPost(ctx, store.Post{
		ID:         util.NewID("pst"),
		Title:      in.title,
		Body:       in.body,
		AuthorID:   viewer.UserID,
		Visibility: string(in.mode),
		Status:     store.PostStatusActive,
	}, in.roles, in.users)
	if err != nil {
		return PostView{}, grantError(err)
	}
	s.metrics.BoardWrite("post.create")

	s.recordActivity(ctx, viewer, "post.created", "post", post.ID, map[string]any{"visibility": post.Visibility})
	s.indexPost(post)
	audience := visibility.Subject{Mode: in.mode, AuthorID: post.AuthorID, Roles: in.roles, Users: in.users}
	s.publish(ctx, notify.Event{
		Type:     notify.PostCreated,
		PostID:   post.ID,
		AuthorID: post.AuthorID,
		Audience: &audience,
	})

	return s.GetPost(ctx, viewer, post.ID)
}

// UpdatePost replaces content and the whole grant set. A post the actor cannot
// see is NotFound before authorship is considered.
func (s *Service) UpdatePost(ctx context.Context, viewer Viewer, postID string, input PostInput) (PostView, error) {
	current, _, err := s.lookupPost(ctx, viewer, postID, true)
	if err != nil {
		return PostView{}, err
	}
	if !canModify(viewer, current) {
		return PostView{}, errForbidden()
	}
	in, err := validatePostInput(input)
	if err != nil {
		return PostView{}, err
	}

	updated, err := s.store.UpdatePost(ctx, store.Post{
		ID:         current.ID,
		Title:      in.title,
		Body:       in.body,
		Visibility: string(in.mode),
	}, in.roles, in.users)
	if errors.Is(err, sql.ErrNoRows) {
		return PostView{}, errNotFound()
	}
	if err != nil {
		return PostView{}, grantError(err)
	}
	s.metrics.BoardWrite("post.update")

	s.recordActivity(ctx, viewer, "post.updated", "post", updated.ID, map[string]any{
		"visibility":     updated.Visibility,
		"previousMode":   current.Visibility,
		"roleGrantCount": len(in.roles),
		"userGrantCount": len(in.users),
	})
	s.indexPost(updated)

	return s.GetPost(ctx, viewer, updated.ID)
}

// DeletePost soft-deletes. Deleting an already deleted post sets the status again.
func (s *Service) DeletePost(ctx context.Context, viewer Viewer, postID string) error {
	post, _, err := s.lookupPost(ctx, viewer, postID, false)
	if err != nil {
		return err
	}
	if !canModify(viewer, post) {
		return errForbidden()
	}
	if err := s.store.SoftDeletePost(ctx, post.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound()
		}
		return err
	}
	s.metrics.BoardWrite("post.delete")

	s.recordActivity(ctx, viewer, "post.deleted", "post", post.ID, nil)
	if s.search != nil {
		s.search.DeletePost(post.ID)
	}
	return nil
}

func (s *Service) CreateReply(ctx context.Context, viewer Viewer, postID, body string) (ReplyView, error) {
	post, grants, err := s.lookupPost(ctx, viewer, postID, true)
	if err != nil {
		return ReplyView{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return ReplyView{}, errInvalidInput("reply body is required", nil)
	}

	reply, err := s.store.InsertReply(ctx, store.Reply{
		ID:       util.NewID("rpl"),
		PostID:   post.ID,
		AuthorID: viewer.UserID,
		Body:     body,
	}, MaxRepliesPerPost)
	switch {
	case errors.Is(err, store.ErrReplyLimit):
		s.metrics.ReplyLimitReached()
		return ReplyView{}, errReplyLimit(MaxRepliesPerPost)
	case errors.Is(err, sql.ErrNoRows):
		return ReplyView{}, errNotFound()
	case err != nil:
		return ReplyView{}, err
	}
	reply.AuthorName = viewer.UserName
	reply.AuthorRole = viewer.Role
	s.metrics.BoardWrite("reply.create")

	s.recordActivity(ctx, viewer, "reply.created", "reply", reply.ID, map[string]any{"postId": post.ID})
	audience := subjectOf(post, grants)
	s.publish(ctx, notify.Event{
		Type:     notify.ReplyCreated,
		PostID:   post.ID,
		ReplyID:  reply.ID,
		AuthorID: reply.AuthorID,
		Audience: &audience,
	})

	return replyView(reply), nil
}

// ListReplies returns the thread oldest first.
func (s *Service) ListReplies(ctx context.Context, viewer Viewer, postID string) ([]ReplyView, error) {
	post, _, err := s.lookupPost(ctx, viewer, postID, true)
	if err != nil {
		return nil, err
	}
	replies, err := s.store.ListReplies(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	views := make([]ReplyView, 0, len(replies))
	for _, reply := range replies {
		views = append(views, replyView(reply))
	}
	return views, nil
}

// SearchPosts looks candidates up in the index, then reloads them from the
// store and applies the same visibility filter as the feed. Total counts what
// the viewer can see on this page, never the raw index hits.
func (s *Service) SearchPosts(ctx context.Context, viewer Viewer, text string, limit, offset int) (SearchResult, error) {
	text = strings.TrimSpace(text)
	if text == "" || s.search == nil {
		return SearchResult{Results: []PostView{}, Query: text}, nil
	}
	hits, _, err := s.search.Search(ctx, search.Query{Text: text, Limit: limit, Offset: offset})
	if err != nil {
		return SearchResult{}, err
	}
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		if hit.PostID != "" {
			ids = append(ids, hit.PostID)
		}
	}
	if len(ids) == 0 {
		return SearchResult{Results: []PostView{}, Query: text}, nil
	}

	posts, err := s.store.ListActivePostsByIDs(ctx, ids)
	if err != nil {
		return SearchResult{}, err
	}
	byID := make(map[string]store.Post, len(posts))
	for _, post := range posts {
		byID[post.ID] = post
	}
	ranked := make([]store.Post, 0, len(posts))
	for _, id := range ids {
		if post, ok := byID[id]; ok {
			ranked = append(ranked, post)
			delete(byID, id)
		}
	}

	views, err := s.assemble(ctx, viewer, ranked)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Results: views, Total: len(views), Query: text}, nil
}

func (s *Service) indexPost(post store.Post) {
	if s.search == nil {
		return
	}
	s.search.IndexPost(search.PostRecord{
		ID:       post.ID,
		Title:    post.Title,
		Body:     post.Body,
		AuthorID: post.AuthorID,
		Status:   post.Status,
	})
}

func grantError(err error) error {
	if errors.Is(err, store.ErrUnknownGrantee) {
		return errInvalidInput("user grants reference an unknown user", nil)
	}
	return err
}
