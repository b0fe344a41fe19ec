package server

import (
	"context"
	"sync"
	"time"

	"github.com/ruslanways/postways-v2/internal/models"
	"github.com/ruslanways/postways-v2/internal/repository"

	"github.com/stretchr/testify/mock"
)

// MockUserRepository is a mock of the UserRepository interface
type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserRepository) GetByIDWithPosts(ctx context.Context, id uint, limit int) (*models.User, error) {
	args := m.Called(ctx, id, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserRepository) GetByVerificationToken(ctx context.Context, token string) (*models.User, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) Update(ctx context.Context, user *models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id uint, hashed string) error {
	args := m.Called(ctx, id, hashed)
	return args.Error(0)
}

func (m *MockUserRepository) Delete(ctx context.Context, id uint) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockUserRepository) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]models.User), args.Error(1)
}

func (m *MockUserRepository) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// MockPostRepository is a mock of the PostRepository interface
type MockPostRepository struct {
	mock.Mock
}

func (m *MockPostRepository) Create(ctx context.Context, post *models.Post) error {
	args := m.Called(ctx, post)
	return args.Error(0)
}

func (m *MockPostRepository) GetByID(ctx context.Context, id uint, currentUserID uint) (*models.Post, error) {
	args := m.Called(ctx, id, currentUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Post), args.Error(1)
}

func (m *MockPostRepository) List(ctx context.Context, limit, offset int, currentUserID uint, filter repository.PostFilter) ([]*models.Post, error) {
	args := m.Called(ctx, limit, offset, currentUserID, filter)
	return args.Get(0).([]*models.Post), args.Error(1)
}

func (m *MockPostRepository) Search(ctx context.Context, query string, limit, offset int, currentUserID uint) ([]*models.Post, error) {
	args := m.Called(ctx, query, limit, offset, currentUserID)
	return args.Get(0).([]*models.Post), args.Error(1)
}

func (m *MockPostRepository) Update(ctx context.Context, post *models.Post) error {
	args := m.Called(ctx, post)
	return args.Error(0)
}

func (m *MockPostRepository) Delete(ctx context.Context, id uint) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockLikeRepository is a mock of the LikeRepository interface
type MockLikeRepository struct {
	mock.Mock
}

func (m *MockLikeRepository) Toggle(ctx context.Context, userID, postID uint) (*repository.ToggleResult, error) {
	args := m.Called(ctx, userID, postID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.ToggleResult), args.Error(1)
}

func (m *MockLikeRepository) GetByID(ctx context.Context, id uint) (*models.Like, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Like), args.Error(1)
}

func (m *MockLikeRepository) List(ctx context.Context, limit, offset int) ([]models.Like, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]models.Like), args.Error(1)
}

func (m *MockLikeRepository) CountForPost(ctx context.Context, postID uint) (int64, error) {
	args := m.Called(ctx, postID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLikeRepository) BatchStatus(ctx context.Context, postIDs []uint, currentUserID uint) (map[uint]repository.LikeStatus, error) {
	args := m.Called(ctx, postIDs, currentUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[uint]repository.LikeStatus), args.Error(1)
}

func (m *MockLikeRepository) DailyCounts(ctx context.Context, since time.Time) ([]repository.DailyLikeCount, error) {
	args := m.Called(ctx, since)
	return args.Get(0).([]repository.DailyLikeCount), args.Error(1)
}

// memoryTokenRepo is an in-memory TokenRepository so handler tests can
// exercise real issue/rotate/revoke flows without a database.
type memoryTokenRepo struct {
	mu          sync.Mutex
	nextID      uint
	outstanding map[string]*models.OutstandingToken
	blacklisted map[string]bool
}

func newMemoryTokenRepo() *memoryTokenRepo {
	return &memoryTokenRepo{
		outstanding: make(map[string]*models.OutstandingToken),
		blacklisted: make(map[string]bool),
	}
}

func (r *memoryTokenRepo) Record(_ context.Context, token *models.OutstandingToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.outstanding[token.JTI]; exists {
		return models.NewValidationError("Token already recorded")
	}
	r.nextID++
	token.ID = r.nextID
	r.outstanding[token.JTI] = token
	return nil
}

func (r *memoryTokenRepo) GetByJTI(_ context.Context, jti string) (*models.OutstandingToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding[jti], nil
}

func (r *memoryTokenRepo) Blacklist(_ context.Context, jti string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.outstanding[jti]; !exists {
		return models.NewNotFoundError("Token", 0)
	}
	r.blacklisted[jti] = true
	return nil
}

func (r *memoryTokenRepo) BlacklistAllForUser(_ context.Context, userID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var revoked int64
	for jti, token := range r.outstanding {
		if token.UserID == userID && !r.blacklisted[jti] {
			r.blacklisted[jti] = true
			revoked++
		}
	}
	return revoked, nil
}

func (r *memoryTokenRepo) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blacklisted[jti], nil
}

func (r *memoryTokenRepo) FlushExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var flushed int64
	for jti, token := range r.outstanding {
		if token.ExpiresAt.Before(time.Now()) {
			delete(r.outstanding, jti)
			delete(r.blacklisted, jti)
			flushed++
		}
	}
	return flushed, nil
}
