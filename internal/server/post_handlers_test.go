package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/ruslanways/postways-v2/internal/config"
	"github.com/ruslanways/postways-v2/internal/models"
	"github.com/ruslanways/postways-v2/internal/repository"
	"github.com/ruslanways/postways-v2/internal/service"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newPostTestApp(s *Server, userID uint) *fiber.App {
	app := fiber.New()
	app.Get("/posts", s.GetPosts)
	app.Get("/posts/search", s.SearchPosts)
	app.Get("/posts/:id", s.GetPost)
	app.Use(func(c *fiber.Ctx) error {
		if userID != 0 {
			c.Locals("userID", userID)
		}
		return c.Next()
	})
	app.Post("/posts", s.CreatePost)
	app.Put("/posts/:id", s.UpdatePost)
	app.Delete("/posts/:id", s.DeletePost)
	return app
}

func postJSON(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreatePost(t *testing.T) {
	tests := []struct {
		name           string
		payload        map[string]any
		expectedStatus int
		expectCreate   bool
	}{
		{
			name: "Success",
			payload: map[string]any{
				"title":   "My first post",
				"content": "Some content worth reading.",
			},
			expectedStatus: http.StatusCreated,
			expectCreate:   true,
		},
		{
			name: "Unpublished",
			payload: map[string]any{
				"title":     "Draft post",
				"content":   "Not ready yet.",
				"published": false,
			},
			expectedStatus: http.StatusCreated,
			expectCreate:   true,
		},
		{
			name:           "MissingTitle",
			payload:        map[string]any{"content": "Content without a title."},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "MissingContent",
			payload:        map[string]any{"title": "Title without content"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "TitleTooLong",
			payload: map[string]any{
				"title":   string(bytes.Repeat([]byte("a"), maxPostTitleLength+1)),
				"content": "Content.",
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockPosts := new(MockPostRepository)
			s := &Server{postRepo: mockPosts}
			app := newPostTestApp(s, 1)

			if tt.expectCreate {
				mockPosts.On("Create", mock.Anything, mock.MatchedBy(func(p *models.Post) bool {
					return p.AuthorID == uint(1) && p.Title == tt.payload["title"]
				})).Run(func(args mock.Arguments) {
					args.Get(1).(*models.Post).ID = 11
				}).Return(nil)
			}

			resp, err := app.Test(postJSON(t, http.MethodPost, "/posts", tt.payload))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			if tt.expectCreate {
				mockPosts.AssertExpectations(t)
			} else {
				mockPosts.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestGetPosts(t *testing.T) {
	mockPosts := new(MockPostRepository)
	s := &Server{postRepo: mockPosts}
	app := newPostTestApp(s, 0)

	mockPosts.On("List", mock.Anything, 20, 0, uint(0), mock.Anything).
		Return([]*models.Post{
			{ID: 1, Title: "First", Published: true},
			{ID: 2, Title: "Second", Published: true},
		}, nil)

	req := httptest.NewRequest(http.MethodGet, "/posts", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Count int            `json:"count"`
		Posts []*models.Post `json:"posts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Posts, 2)
}

func TestGetPosts_AuthorFilter(t *testing.T) {
	mockPosts := new(MockPostRepository)
	s := &Server{postRepo: mockPosts}
	app := newPostTestApp(s, 0)

	mockPosts.On("List", mock.Anything, 20, 0, uint(0),
		mock.MatchedBy(func(f repository.PostFilter) bool {
			return f.AuthorID == uint(3)
		})).
		Return([]*models.Post{{ID: 5, Title: "By author 3", AuthorID: 3, Published: true}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/posts?author=3", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	mockPosts.AssertExpectations(t)
}

func TestSearchPosts_MissingQuery(t *testing.T) {
	s := &Server{postRepo: new(MockPostRepository)}
	app := newPostTestApp(s, 0)

	req := httptest.NewRequest(http.MethodGet, "/posts/search", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchPosts(t *testing.T) {
	mockPosts := new(MockPostRepository)
	s := &Server{postRepo: mockPosts}
	app := newPostTestApp(s, 0)

	mockPosts.On("Search", mock.Anything, "gophers", 20, 0, uint(0)).
		Return([]*models.Post{{ID: 1, Title: "All about gophers", Published: true}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/posts/search?q=gophers", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	mockPosts.AssertExpectations(t)
}

func TestGetPost_Published(t *testing.T) {
	mockPosts := new(MockPostRepository)
	s := &Server{postRepo: mockPosts}
	app := newPostTestApp(s, 0)

	mockPosts.On("GetByID", mock.Anything, uint(5), uint(0)).
		Return(&models.Post{ID: 5, Title: "Visible", Published: true}, nil)

	req := httptest.NewRequest(http.MethodGet, "/posts/5", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetPost_UnpublishedHiddenFromAnonymous(t *testing.T) {
	mockPosts := new(MockPostRepository)
	s := &Server{postRepo: mockPosts}
	app := newPostTestApp(s, 0)

	mockPosts.On("GetByID", mock.Anything, uint(5), uint(0)).
		Return(&models.Post{ID: 5, Title: "Draft", AuthorID: 2, Published: false}, nil)

	req := httptest.NewRequest(http.MethodGet, "/posts/5", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetPost_NotFound(t *testing.T) {
	mockPosts := new(MockPostRepository)
	s := &Server{postRepo: mockPosts}
	app := newPostTestApp(s, 0)

	mockPosts.On("GetByID", mock.Anything, uint(99), uint(0)).
		Return(nil, models.NewNotFoundError("Post", 99))

	req := httptest.NewRequest(http.MethodGet, "/posts/99", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdatePost_NonAuthorForbidden(t *testing.T) {
	mockPosts := new(MockPostRepository)
	s := &Server{postRepo: mockPosts}
	app := newPostTestApp(s, 2)

	mockPosts.On("GetByID", mock.Anything, uint(5), uint(2)).
		Return(&models.Post{ID: 5, Title: "Not yours", AuthorID: 1, Published: true}, nil)

	resp, err := app.Test(postJSON(t, http.MethodPut, "/posts/5", map[string]any{
		"title":   "Hijacked",
		"content": "New content.",
	}))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	mockPosts.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestUpdatePost_Author(t *testing.T) {
	mockPosts := new(MockPostRepository)
	s := &Server{postRepo: mockPosts}
	app := newPostTestApp(s, 1)

	mockPosts.On("GetByID", mock.Anything, uint(5), uint(1)).
		Return(&models.Post{ID: 5, Title: "Old title", AuthorID: 1, Published: true}, nil)
	mockPosts.On("Update", mock.Anything, mock.MatchedBy(func(p *models.Post) bool {
		return p.ID == uint(5) && p.Title == "New title"
	})).Return(nil)

	resp, err := app.Test(postJSON(t, http.MethodPut, "/posts/5", map[string]any{
		"title":   "New title",
		"content": "Updated content.",
	}))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	mockPosts.AssertExpectations(t)
}

func TestDeletePost_Owner(t *testing.T) {
	mockPosts := new(MockPostRepository)
	s := &Server{
		postRepo: mockPosts,
		media:    service.NewMediaService(&config.Config{MediaDir: t.TempDir()}),
	}
	app := newPostTestApp(s, 1)

	mockPosts.On("GetByID", mock.Anything, uint(5), uint(1)).
		Return(&models.Post{ID: 5, AuthorID: 1, Published: true}, nil)
	mockPosts.On("Delete", mock.Anything, uint(5)).Return(nil)

	req := httptest.NewRequest(http.MethodDelete, "/posts/5", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	mockPosts.AssertExpectations(t)
}

func TestDeletePost_NonOwnerForbidden(t *testing.T) {
	gormDB, dbMock := setupMockDB(t)
	mockPosts := new(MockPostRepository)
	s := &Server{db: gormDB, postRepo: mockPosts}
	app := newPostTestApp(s, 2)

	mockPosts.On("GetByID", mock.Anything, uint(5), uint(2)).
		Return(&models.Post{ID: 5, AuthorID: 1, Published: true}, nil)

	dbMock.ExpectQuery(regexp.QuoteMeta(`SELECT "is_admin" FROM "users"`)).
		WithArgs(uint(2), 1).
		WillReturnRows(sqlmock.NewRows([]string{"is_admin"}).AddRow(false))

	req := httptest.NewRequest(http.MethodDelete, "/posts/5", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	mockPosts.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	assert.NoError(t, dbMock.ExpectationsWereMet())
}
