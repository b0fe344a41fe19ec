// Command seed populates the database with generated users, posts, and likes.
package main

import (
	"flag"
	"log"

	"github.com/ruslanways/postways-v2/internal/bootstrap"
	"github.com/ruslanways/postways-v2/internal/config"
	"github.com/ruslanways/postways-v2/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 50, "Number of users to create")
	numPosts := flag.Int("posts", 200, "Number of posts to create")
	numLikes := flag.Int("likes", 500, "Number of likes to create")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	dryRun := flag.Bool("dry-run", false, "Generate entities without writing to the database")
	skipBcrypt := flag.Bool("skip-bcrypt", false, "Store plaintext marker passwords (dev fast mode)")
	maxDays := flag.Int("max-days", 90, "Spread created_at timestamps over the past N days")
	flag.Parse()

	log.Println("Database Seeder")
	log.Printf("Target: %d users, %d posts, %d likes, clean=%v dry-run=%v",
		*numUsers, *numPosts, *numLikes, *shouldClean, *dryRun)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, _, err := bootstrap.InitRuntime(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}

	opts := seed.Options{
		NumUsers:    *numUsers,
		NumPosts:    *numPosts,
		NumLikes:    *numLikes,
		ShouldClean: *shouldClean && !*dryRun,
		DryRun:      *dryRun,
		SkipBcrypt:  *skipBcrypt,
		MaxDays:     *maxDays,
	}
	if err := seed.Run(db, opts); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	if !*skipBcrypt {
		log.Println("All test users have the password: password123")
	}
}
