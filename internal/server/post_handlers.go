// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"io"
	"log/slog"
	"mime/multipart"
	"strings"
	"time"

	"github.com/ruslanways/postways-v2/internal/cache"
	"github.com/ruslanways/postways-v2/internal/middleware"
	"github.com/ruslanways/postways-v2/internal/models"
	"github.com/ruslanways/postways-v2/internal/repository"
	"github.com/ruslanways/postways-v2/internal/service"
	"github.com/ruslanways/postways-v2/internal/validation"

	"github.com/gofiber/fiber/v2"
)

const maxPostTitleLength = 100

// postInput is the shared payload for create and update. Posts arrive as
// multipart forms when they carry an image and as JSON otherwise.
type postInput struct {
	Title     string
	Content   string
	Published bool
	Image     *multipart.FileHeader
}

func parsePostInput(c *fiber.Ctx) (*postInput, error) {
	in := &postInput{Published: true}

	if strings.HasPrefix(c.Get("Content-Type"), "multipart/form-data") {
		in.Title = c.FormValue("title")
		in.Content = c.FormValue("content")
		if published := c.FormValue("published"); published != "" {
			in.Published = published == "true" || published == "1"
		}
		if file, err := c.FormFile("image"); err == nil {
			in.Image = file
		}
		return in, nil
	}

	var req struct {
		Title     string `json:"title"`
		Content   string `json:"content"`
		Published *bool  `json:"published"`
	}
	if err := c.BodyParser(&req); err != nil {
		return nil, models.NewValidationError("Invalid request body")
	}
	in.Title = req.Title
	in.Content = req.Content
	if req.Published != nil {
		in.Published = *req.Published
	}
	return in, nil
}

func validatePostInput(in *postInput) error {
	if in.Title == "" || in.Content == "" {
		return models.NewValidationError("Title and content are required")
	}
	if len(in.Title) > maxPostTitleLength {
		return models.NewValidationError("Title must be at most 100 characters")
	}
	if err := validation.CheckProfanity(in.Title + " " + in.Content); err != nil {
		return models.NewValidationError(err.Error())
	}
	return nil
}

func (s *Server) saveUploadedImage(file *multipart.FileHeader) (imagePath, thumbnailPath string, err error) {
	f, err := file.Open()
	if err != nil {
		return "", "", models.NewValidationError("Could not read uploaded file")
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return "", "", models.NewInternalError(err)
	}

	return s.media.SaveUpload(service.UploadInput{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Content:     content,
	})
}

// parseTimeFilter reads a query parameter as RFC3339 or YYYY-MM-DD.
func parseTimeFilter(c *fiber.Ctx, name string) time.Time {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t
	}
	return time.Time{}
}

// GetPosts returns published posts ordered by recency, with like counts
// and the caller's liked flag when authenticated.
func (s *Server) GetPosts(c *fiber.Ctx) error {
	p := parsePagination(c, 20)
	currentUserID, _ := s.optionalUserID(c)

	filter := repository.PostFilter{
		AuthorID:      uint(c.QueryInt("author", 0)),
		CreatedAfter:  parseTimeFilter(c, "created_after"),
		CreatedBefore: parseTimeFilter(c, "created_before"),
	}

	posts, err := s.postRepo.List(c.UserContext(), p.Limit, p.Offset, currentUserID, filter)
	if err != nil {
		return respondAppError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count": len(posts),
		"posts": posts,
	})
}

// SearchPosts performs a case-insensitive title/content search over
// published posts.
func (s *Server) SearchPosts(c *fiber.Ctx) error {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Search query is required"))
	}

	p := parsePagination(c, 20)
	currentUserID, _ := s.optionalUserID(c)

	posts, err := s.postRepo.Search(c.UserContext(), query, p.Limit, p.Offset, currentUserID)
	if err != nil {
		return respondAppError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count": len(posts),
		"posts": posts,
	})
}

// GetPost returns a single post. Unpublished posts are visible to their
// author and admins only.
func (s *Server) GetPost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	currentUserID, _ := s.optionalUserID(c)

	ctx := c.UserContext()
	post, err := s.postRepo.GetByID(ctx, id, currentUserID)
	if err != nil {
		return respondAppError(c, err)
	}

	if !post.Published {
		allowed := false
		if currentUserID != 0 {
			allowed, err = s.isOwnerOrAdmin(ctx, currentUserID, post.AuthorID)
			if err != nil {
				return respondAppError(c, err)
			}
		}
		if !allowed {
			return models.RespondWithError(c, fiber.StatusForbidden,
				models.NewForbiddenError("This post is not published"))
		}
	}

	return c.Status(fiber.StatusOK).JSON(post)
}

// CreatePost creates a post for the authenticated user, with optional
// image upload. The original image is stored synchronously; resizing and
// the thumbnail happen on the background worker after commit.
func (s *Server) CreatePost(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	in, err := parsePostInput(c)
	if err != nil {
		return respondAppError(c, err)
	}
	if err := validatePostInput(in); err != nil {
		return respondAppError(c, err)
	}

	post := &models.Post{
		Title:     in.Title,
		Content:   in.Content,
		AuthorID:  userID,
		Published: in.Published,
	}

	if in.Image != nil {
		imagePath, thumbnailPath, err := s.saveUploadedImage(in.Image)
		if err != nil {
			return respondAppError(c, err)
		}
		post.ImagePath = imagePath
		post.ThumbnailPath = thumbnailPath
	}

	ctx := c.UserContext()
	if err := s.postRepo.Create(ctx, post); err != nil {
		// Creation failed after the upload landed on disk; remove it.
		s.media.DeleteMedia(post.ImagePath, post.ThumbnailPath)
		return respondAppError(c, err)
	}

	middleware.Logger.InfoContext(ctx, "post created",
		slog.Uint64("post_id", uint64(post.ID)),
		slog.Uint64("author_id", uint64(userID)))

	return c.Status(fiber.StatusCreated).JSON(post)
}

// UpdatePost edits a post. Author only; a replacement image queues the old
// files for deletion after the update commits.
func (s *Server) UpdatePost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID := c.Locals("userID").(uint)

	ctx := c.UserContext()
	post, err := s.postRepo.GetByID(ctx, id, userID)
	if err != nil {
		return respondAppError(c, err)
	}
	if post.AuthorID != userID {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("You can only edit your own posts"))
	}

	in, err := parsePostInput(c)
	if err != nil {
		return respondAppError(c, err)
	}
	if err := validatePostInput(in); err != nil {
		return respondAppError(c, err)
	}

	oldImage, oldThumbnail := post.ImagePath, post.ThumbnailPath
	post.Title = in.Title
	post.Content = in.Content
	post.Published = in.Published

	replacedImage := false
	if in.Image != nil {
		imagePath, thumbnailPath, err := s.saveUploadedImage(in.Image)
		if err != nil {
			return respondAppError(c, err)
		}
		post.ImagePath = imagePath
		post.ThumbnailPath = thumbnailPath
		replacedImage = true
	}

	if err := s.postRepo.Update(ctx, post); err != nil {
		if replacedImage {
			s.media.DeleteMedia(post.ImagePath, post.ThumbnailPath)
		}
		return respondAppError(c, err)
	}

	if replacedImage {
		s.media.DeleteMedia(oldImage, oldThumbnail)
	}
	cache.InvalidatePost(ctx, post.ID)

	return c.Status(fiber.StatusOK).JSON(post)
}

// DeletePost removes a post. Author or admin only; media files are
// deleted after the row is gone.
func (s *Server) DeletePost(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	userID := c.Locals("userID").(uint)

	ctx := c.UserContext()
	post, err := s.postRepo.GetByID(ctx, id, userID)
	if err != nil {
		return respondAppError(c, err)
	}

	allowed, err := s.isOwnerOrAdmin(ctx, userID, post.AuthorID)
	if err != nil {
		return respondAppError(c, err)
	}
	if !allowed {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("You can only delete your own posts"))
	}

	if err := s.postRepo.Delete(ctx, id); err != nil {
		return respondAppError(c, err)
	}

	s.media.DeleteMedia(post.ImagePath, post.ThumbnailPath)
	cache.InvalidatePost(ctx, id)

	middleware.Logger.InfoContext(ctx, "post deleted",
		slog.Uint64("post_id", uint64(id)),
		slog.Uint64("deleted_by", uint64(userID)))

	return c.SendStatus(fiber.StatusNoContent)
}
