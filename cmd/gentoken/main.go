// Command gentoken prints a fresh API token and the hash stored for it. With
// -name it also creates the user in the configured store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/TaviloBreno/chat-laravel-angular/internal/config"
	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
	"github.com/TaviloBreno/chat-laravel-angular/internal/store"
)

func main() {
	name := flag.String("name", "", "create a user with this name")
	email := flag.String("email", "", "email of the created user")
	avatar := flag.String("avatar", "", "avatar URL of the created user")
	flag.Parse()

	token, err := crypto.NewToken()
	if err != nil {
		fail(err)
	}
	hash, err := crypto.HashToken(token)
	if err != nil {
		fail(err)
	}

	fmt.Printf("Token:      %s\n", token)
	fmt.Printf("Token hash: %s\n", hash)

	if *name == "" {
		return
	}

	cfg := config.Load()
	ctx := context.Background()
	s, backend, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		fail(fmt.Errorf("open %s store: %w", backend, err))
	}
	defer s.Close()

	u, err := s.CreateUser(ctx, *name, *email, *avatar, hash)
	if err != nil {
		fail(fmt.Errorf("create user: %w", err))
	}
	fmt.Printf("User:       %d (%s, %s store)\n", u.ID, u.Name, backend)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
