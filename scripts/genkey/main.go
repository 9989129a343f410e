// genkey prints secrets for a local demoflow setup.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey
//	go run ./scripts/genkey -token -user 5f0c...  # also issue a dev JWT
//
// The first line is a fresh CALLBACK_SIGNING_SECRET. With -token, a bearer
// token for -user is signed with SUPABASE_JWT_SECRET (read from the
// environment or .env) so the API can be called without a Supabase project.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/symbolicai/demoflow/internal/auth"
)

func main() {
	token := flag.Bool("token", false, "also issue a development JWT")
	user := flag.String("user", "", "user id for the token (random when empty)")
	email := flag.String("email", "dev@example.com", "email claim for the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("CALLBACK_SIGNING_SECRET=%s\n", hex.EncodeToString(secret))

	if !*token {
		return
	}

	userID := uuid.New()
	if *user != "" {
		parsed, err := uuid.Parse(*user)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: -user must be a UUID: %v\n", err)
			os.Exit(1)
		}
		userID = parsed
	}

	v, err := auth.NewVerifier(os.Getenv("SUPABASE_JWT_SECRET"), os.Getenv("SUPABASE_JWT_ISSUER"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v (is SUPABASE_JWT_SECRET set?)\n", err)
		os.Exit(1)
	}
	tok, exp, err := v.IssueToken(userID, *email, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("USER_ID=%s\n", userID)
	fmt.Printf("TOKEN=%s\n", tok)
	fmt.Printf("# expires %s\n", exp.Format(time.RFC3339))
}
