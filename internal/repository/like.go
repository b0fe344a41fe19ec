package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ruslanways/postways-v2/internal/cache"
	"github.com/ruslanways/postways-v2/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ToggleAction reports which way a toggle went.
const (
	ToggleAdded   = "added"
	ToggleRemoved = "removed"
)

// ToggleResult is the outcome of a like toggle, including the post's like
// count as recomputed inside the same transaction. Like carries the
// persisted row when the toggle added one, nil when it removed.
type ToggleResult struct {
	Action    string
	LikeCount int64
	Like      *models.Like
}

// LikeStatus is one entry of a batch like query.
type LikeStatus struct {
	Count int64 `json:"count"`
	Liked bool  `json:"liked"`
}

// DailyLikeCount is one day of like activity.
type DailyLikeCount struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}

// LikeRepository defines the interface for like data operations
type LikeRepository interface {
	Toggle(ctx context.Context, userID, postID uint) (*ToggleResult, error)
	GetByID(ctx context.Context, id uint) (*models.Like, error)
	List(ctx context.Context, limit, offset int) ([]models.Like, error)
	CountForPost(ctx context.Context, postID uint) (int64, error)
	BatchStatus(ctx context.Context, postIDs []uint, currentUserID uint) (map[uint]LikeStatus, error)
	DailyCounts(ctx context.Context, since time.Time) ([]DailyLikeCount, error)
}

type likeRepository struct {
	db *gorm.DB
}

// NewLikeRepository creates a new like repository
func NewLikeRepository(db *gorm.DB) LikeRepository {
	return &likeRepository{db: db}
}

// Toggle flips the like state for (userID, postID) inside a single
// transaction. The existing like row, if any, is locked with FOR UPDATE so
// two concurrent toggles for the same pair serialize instead of both
// inserting. If a concurrent insert still wins the race, the unique index
// rejects ours and we delete the winner's row, which is exactly the remove
// half of the toggle the second request meant.
func (r *likeRepository) Toggle(ctx context.Context, userID, postID uint) (*ToggleResult, error) {
	result := &ToggleResult{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Like
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND post_id = ?", userID, postID).
			First(&existing).Error

		switch {
		case err == nil:
			if err := tx.Delete(&models.Like{}, existing.ID).Error; err != nil {
				return err
			}
			result.Action = ToggleRemoved

		case errors.Is(err, gorm.ErrRecordNotFound):
			// Nested transaction = savepoint, so a unique violation does
			// not poison the outer transaction on PostgreSQL.
			like := models.Like{UserID: userID, PostID: postID}
			createErr := tx.Transaction(func(tx2 *gorm.DB) error {
				return tx2.Create(&like).Error
			})
			if createErr == nil {
				result.Action = ToggleAdded
				result.Like = &like
				break
			}
			if !errors.Is(createErr, gorm.ErrDuplicatedKey) && !isUniqueConstraintError(createErr) {
				return createErr
			}
			// Lost the race: another request inserted between our lock
			// lookup and the insert. Remove that row instead.
			if err := tx.Where("user_id = ? AND post_id = ?", userID, postID).
				Delete(&models.Like{}).Error; err != nil {
				return err
			}
			result.Action = ToggleRemoved

		default:
			return err
		}

		return tx.Model(&models.Like{}).
			Where("post_id = ?", postID).
			Count(&result.LikeCount).Error
	})

	if err != nil {
		return nil, models.NewInternalError(err)
	}

	cache.InvalidatePost(ctx, postID)
	return result, nil
}

func (r *likeRepository) GetByID(ctx context.Context, id uint) (*models.Like, error) {
	var like models.Like
	if err := readDB(r.db).WithContext(ctx).First(&like, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Like", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &like, nil
}

func (r *likeRepository) List(ctx context.Context, limit, offset int) ([]models.Like, error) {
	var likes []models.Like
	if err := readDB(r.db).WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&likes).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return likes, nil
}

func (r *likeRepository) CountForPost(ctx context.Context, postID uint) (int64, error) {
	var count int64
	if err := readDB(r.db).WithContext(ctx).
		Model(&models.Like{}).
		Where("post_id = ?", postID).
		Count(&count).Error; err != nil {
		return 0, models.NewInternalError(err)
	}
	return count, nil
}

// BatchStatus returns like count and the viewer's liked flag for each of
// the given posts. IDs that do not resolve to an existing post are dropped
// from the result rather than reported as zeroes.
func (r *likeRepository) BatchStatus(ctx context.Context, postIDs []uint, currentUserID uint) (map[uint]LikeStatus, error) {
	result := make(map[uint]LikeStatus, len(postIDs))
	if len(postIDs) == 0 {
		return result, nil
	}

	var existingIDs []uint
	if err := readDB(r.db).WithContext(ctx).
		Model(&models.Post{}).
		Where("id IN ?", postIDs).
		Pluck("id", &existingIDs).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	if len(existingIDs) == 0 {
		return result, nil
	}
	for _, id := range existingIDs {
		result[id] = LikeStatus{}
	}

	type postCount struct {
		PostID uint
		Count  int64
	}
	var counts []postCount
	if err := readDB(r.db).WithContext(ctx).
		Model(&models.Like{}).
		Select("post_id, COUNT(*) as count").
		Where("post_id IN ?", existingIDs).
		Group("post_id").
		Scan(&counts).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	for _, c := range counts {
		entry := result[c.PostID]
		entry.Count = c.Count
		result[c.PostID] = entry
	}

	if currentUserID != 0 {
		var likedIDs []uint
		if err := readDB(r.db).WithContext(ctx).
			Model(&models.Like{}).
			Where("user_id = ? AND post_id IN ?", currentUserID, existingIDs).
			Pluck("post_id", &likedIDs).Error; err != nil {
			return nil, models.NewInternalError(err)
		}
		for _, id := range likedIDs {
			entry := result[id]
			entry.Liked = true
			result[id] = entry
		}
	}

	return result, nil
}

// DailyCounts aggregates likes per calendar day since the given time.
func (r *likeRepository) DailyCounts(ctx context.Context, since time.Time) ([]DailyLikeCount, error) {
	var counts []DailyLikeCount
	if err := readDB(r.db).WithContext(ctx).
		Model(&models.Like{}).
		Select("DATE_TRUNC('day', created_at) as day, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("day").
		Order("day ASC").
		Scan(&counts).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return counts, nil
}
