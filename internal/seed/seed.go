// Package seed provides database seeding utilities for development and testing.
package seed

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	NumUsers    int
	NumPosts    int
	NumLikes    int
	ShouldClean bool

	// DryRun builds entities without writing to the database.
	DryRun bool
	// SkipBcrypt stores a plaintext marker password instead of hashing.
	// Dev fast mode only; never used outside seeding.
	SkipBcrypt bool
	// MaxDays spreads created_at timestamps over the past N days.
	MaxDays int
}

// Run populates the database with generated users, posts, and likes.
func Run(db *gorm.DB, opts Options) error {
	log.Printf("Seeding database with %d users, %d posts, %d likes...",
		opts.NumUsers, opts.NumPosts, opts.NumLikes)

	if opts.ShouldClean {
		if err := clearData(db); err != nil {
			log.Println("Warning: could not clear all existing data, continuing anyway...")
		}
	}

	f := NewFactory(db, opts)

	users, err := f.CreateUsers(opts.NumUsers)
	if err != nil {
		return fmt.Errorf("failed to create users: %w", err)
	}
	log.Printf("created %d users", len(users))

	posts, err := f.CreatePosts(users, opts.NumPosts)
	if err != nil {
		return fmt.Errorf("failed to create posts: %w", err)
	}
	log.Printf("created %d posts", len(posts))

	liked, err := f.CreateLikes(users, posts, opts.NumLikes)
	if err != nil {
		return fmt.Errorf("failed to create likes: %w", err)
	}
	log.Printf("created %d likes", liked)

	log.Println("Database seeding completed")
	return nil
}

func clearData(db *gorm.DB) error {
	log.Println("Clearing existing data...")
	sql := `TRUNCATE TABLE likes, posts, blacklisted_tokens, outstanding_tokens, users RESTART IDENTITY CASCADE;`
	return db.Exec(sql).Error
}

// likePairs picks up to n unique (user, post) index pairs. A user likes a
// given post at most once; the unique index enforces it in the database,
// this keeps the seeder from fighting that index.
func likePairs(n, numUsers, numPosts int, r *rand.Rand) [][2]int {
	if numUsers == 0 || numPosts == 0 || n <= 0 {
		return nil
	}
	if max := numUsers * numPosts; n > max {
		n = max
	}

	seen := make(map[[2]int]struct{}, n)
	pairs := make([][2]int, 0, n)
	for len(pairs) < n {
		pair := [2]int{r.Intn(numUsers), r.Intn(numPosts)}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}
	return pairs
}

func newSeedRand() *rand.Rand {
	//nolint:gosec // Weak random number generator is fine for seeding
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
