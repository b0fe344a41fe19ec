package seed

import (
	"testing"
	"time"

	"github.com/ruslanways/postways-v2/internal/models"
)

func TestBuildPost_TimestampsAndFormats(t *testing.T) {
	opts := Options{DryRun: true, MaxDays: 30}
	f := NewFactory(nil, opts)
	author := &models.User{ID: 1}

	p := f.BuildPost(author)
	if p.Title == "" {
		t.Fatalf("expected a generated title")
	}
	if len(p.Title) > 100 {
		t.Fatalf("title exceeds column size: %d chars", len(p.Title))
	}
	if p.AuthorID != author.ID {
		t.Fatalf("expected author %d, got %d", author.ID, p.AuthorID)
	}

	// timestamp should be within MaxDays
	if time.Since(p.CreatedAt) > (time.Duration(opts.MaxDays)+1)*24*time.Hour {
		t.Fatalf("created_at too old: %v", p.CreatedAt)
	}
	if !p.UpdatedAt.Equal(p.CreatedAt) {
		t.Fatalf("seeded posts should not look edited")
	}
}

func TestBuildPost_Overrides(t *testing.T) {
	f := NewFactory(nil, Options{DryRun: true})
	author := &models.User{ID: 2}

	p := f.BuildPost(author, func(post *models.Post) {
		post.Title = "Fixed title"
		post.Published = false
	})
	if p.Title != "Fixed title" {
		t.Fatalf("override not applied: %q", p.Title)
	}
	if p.Published {
		t.Fatalf("override not applied to published flag")
	}
}

func TestCreateUser_DryRun(t *testing.T) {
	f := NewFactory(nil, Options{DryRun: true, SkipBcrypt: true})

	u, err := f.CreateUser()
	if err != nil {
		t.Fatalf("dry-run create failed: %v", err)
	}
	if u.ID == 0 {
		t.Fatalf("dry-run should assign a synthetic ID")
	}
	if u.Password != "password123" {
		t.Fatalf("SkipBcrypt should store the marker password")
	}
	if u.Username == "" || u.Email == "" {
		t.Fatalf("expected generated identity, got %+v", u)
	}
}
