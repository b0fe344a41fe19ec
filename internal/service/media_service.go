// Package service holds application services that sit between handlers and
// repositories.
package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ruslanways/postways-v2/internal/config"
	"github.com/ruslanways/postways-v2/internal/models"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

const (
	DefaultMediaDir             = "/tmp/postways/media"
	DefaultMediaMaxUploadSizeMB = 10

	// Originals larger than this get downscaled in place by the worker.
	MaxImageSize = 2000

	ThumbnailSize = 300

	JPEGQuality = 82
	WebPQuality = 70

	thumbnailPrefix = "thumb_"
)

type mediaJob struct {
	imagePath     string
	thumbnailPath string
}

// MediaService stores post images and derives thumbnails. Uploads are
// written synchronously; the downscale and thumbnail passes run on a
// background worker so the upload request returns fast.
type MediaService struct {
	mediaDir           string
	maxUploadSizeBytes int64
	jobs               chan mediaJob
	workerOnce         sync.Once
}

// NewMediaService builds a MediaService from the application config.
func NewMediaService(cfg *config.Config) *MediaService {
	mediaDir := DefaultMediaDir
	maxUploadSizeMB := DefaultMediaMaxUploadSizeMB

	if cfg != nil {
		if cfg.MediaDir != "" {
			mediaDir = cfg.MediaDir
		}
		if cfg.MediaMaxUploadSizeMB > 0 {
			maxUploadSizeMB = cfg.MediaMaxUploadSizeMB
		}
	}

	return &MediaService{
		mediaDir:           mediaDir,
		maxUploadSizeBytes: int64(maxUploadSizeMB) * 1024 * 1024,
		jobs:               make(chan mediaJob, 64),
	}
}

// StartBackgroundWorker launches the resize/thumbnail worker.
func (s *MediaService) StartBackgroundWorker(ctx context.Context) {
	s.workerOnce.Do(func() {
		go s.workerLoop(ctx)
	})
}

// UploadInput is a post image upload.
type UploadInput struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SaveUpload validates and stores an uploaded image, returning the relative
// image and thumbnail paths to persist on the post. The thumbnail file does
// not exist yet when this returns; the worker writes it shortly after.
func (s *MediaService) SaveUpload(in UploadInput) (imagePath, thumbnailPath string, err error) {
	if len(in.Content) == 0 {
		return "", "", models.NewValidationError("No file uploaded")
	}
	if int64(len(in.Content)) > s.maxUploadSizeBytes {
		return "", "", models.NewValidationError(fmt.Sprintf("File too large (max %dMB)", s.maxUploadSizeBytes/(1024*1024)))
	}

	detectedType := http.DetectContentType(in.Content)
	if !isAllowedImageMIME(detectedType) {
		return "", "", models.NewValidationError("Invalid image type")
	}

	decoded, format, err := image.Decode(bytes.NewReader(in.Content))
	if err != nil {
		return "", "", models.NewValidationError("Invalid image file")
	}
	if !isSupportedDecodedFormat(format) {
		return "", "", models.NewValidationError("Unsupported image format")
	}

	sourceMimeType := decodedFormatToMime(format)
	if provided := normalizeContentType(in.ContentType); strings.HasPrefix(provided, "image/") && !isMatchingContentType(provided, sourceMimeType) {
		return "", "", models.NewValidationError("Image content type mismatch")
	}

	// Store everything as JPEG under a date directory, Django-media style.
	now := time.Now().UTC()
	name := fmt.Sprintf("%s.jpg", uuid.New().String()[:8])
	dir := filepath.Join("images", now.Format("2006"), now.Format("01"), now.Format("02"))
	imagePath = filepath.ToSlash(filepath.Join(dir, name))
	thumbnailPath = filepath.ToSlash(filepath.Join(dir, thumbnailPrefix+name))

	encoded, err := encodeJPEG(decoded, JPEGQuality)
	if err != nil {
		return "", "", models.NewInternalError(err)
	}
	if err := writeBytesToFile(filepath.Join(s.mediaDir, imagePath), encoded); err != nil {
		return "", "", models.NewInternalError(err)
	}

	select {
	case s.jobs <- mediaJob{imagePath: imagePath, thumbnailPath: thumbnailPath}:
	default:
		// Queue full: process inline rather than dropping the thumbnail.
		if err := s.processImage(imagePath, thumbnailPath); err != nil {
			log.Printf("inline media processing failed for %s: %v", imagePath, err)
		}
	}

	return imagePath, thumbnailPath, nil
}

// DeleteMedia removes the stored files of a post. Missing files are fine;
// the worker may not have written the webp siblings yet.
func (s *MediaService) DeleteMedia(paths ...string) {
	for _, rel := range paths {
		if rel == "" {
			continue
		}
		abs := filepath.Join(s.mediaDir, filepath.FromSlash(rel))
		_ = os.Remove(abs)
		_ = os.Remove(webpSibling(abs))
	}
}

// AbsolutePath resolves a stored relative media path for serving.
func (s *MediaService) AbsolutePath(rel string) string {
	return filepath.Join(s.mediaDir, filepath.FromSlash(rel))
}

// MediaDir returns the root directory media files are stored under.
func (s *MediaService) MediaDir() string {
	return s.mediaDir
}

func (s *MediaService) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			if err := s.processImage(job.imagePath, job.thumbnailPath); err != nil {
				log.Printf("media processing failed for %s: %v", job.imagePath, err)
			}
		}
	}
}

// processImage downscales the stored original to MaxImageSize and writes
// the square thumbnail, each in JPEG and WebP.
func (s *MediaService) processImage(imagePath, thumbnailPath string) error {
	abs := filepath.Join(s.mediaDir, filepath.FromSlash(imagePath))
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	src, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	resized := resizeToFit(src, MaxImageSize, MaxImageSize)
	if resized != src {
		encoded, err := encodeJPEG(resized, JPEGQuality)
		if err != nil {
			return err
		}
		if err := writeBytesToFile(abs, encoded); err != nil {
			return err
		}
	}
	webpBytes, err := encodeWebP(resized, WebPQuality)
	if err != nil {
		return err
	}
	if err := writeBytesToFile(webpSibling(abs), webpBytes); err != nil {
		return err
	}

	thumb := cropCenterSquare(resized, ThumbnailSize)
	thumbAbs := filepath.Join(s.mediaDir, filepath.FromSlash(thumbnailPath))
	thumbJPEG, err := encodeJPEG(thumb, JPEGQuality)
	if err != nil {
		return err
	}
	if err := writeBytesToFile(thumbAbs, thumbJPEG); err != nil {
		return err
	}
	thumbWebP, err := encodeWebP(thumb, WebPQuality)
	if err != nil {
		return err
	}
	return writeBytesToFile(webpSibling(thumbAbs), thumbWebP)
}

func webpSibling(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".webp"
}

// cropCenterSquare scales the image so the shorter side matches size, then
// crops the center square.
func cropCenterSquare(src image.Image, size int) image.Image {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w <= 0 || h <= 0 {
		return src
	}

	scale := float64(size) / float64(w)
	if h < w {
		scale = float64(size) / float64(h)
	}
	scaledW := int(float64(w) * scale)
	scaledH := int(float64(h) * scale)
	if scaledW < size {
		scaledW = size
	}
	if scaledH < size {
		scaledH = size
	}

	scaled := image.NewRGBA(image.Rect(0, 0, scaledW, scaledH))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, xdraw.Over, nil)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	offset := image.Point{X: (scaledW - size) / 2, Y: (scaledH - size) / 2}
	draw.Draw(dst, dst.Bounds(), scaled, offset, draw.Src)
	return dst
}

func resizeToFit(src image.Image, maxWidth, maxHeight int) image.Image {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w <= 0 || h <= 0 {
		return src
	}
	if w <= maxWidth && h <= maxHeight {
		return src
	}

	scaleW := float64(maxWidth) / float64(w)
	scaleH := float64(maxHeight) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeWebP(img image.Image, quality int) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := webp.Encode(buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isAllowedImageMIME(contentType string) bool {
	switch normalizeContentType(contentType) {
	case "image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}

func normalizeContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func isMatchingContentType(provided, detected string) bool {
	p := normalizeContentType(provided)
	d := normalizeContentType(detected)
	if p == d {
		return true
	}
	return (p == "image/jpg" && d == "image/jpeg") || (p == "image/jpeg" && d == "image/jpg")
}

func isSupportedDecodedFormat(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpeg", "jpg", "png", "gif", "webp":
		return true
	default:
		return false
	}
}

func decodedFormatToMime(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return ""
	}
}

func writeBytesToFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
