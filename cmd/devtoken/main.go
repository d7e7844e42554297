// Command devtoken prints a bearer token for local testing against the API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/example/parking-match/internal/auth"
	"github.com/example/parking-match/internal/models"
)

func main() {
	var (
		id     = flag.String("id", "", "rider or driver id (token subject)")
		role   = flag.String("role", "rider", "rider or driver")
		name   = flag.String("name", "", "display name")
		ttl    = flag.Duration("ttl", 24*time.Hour, "token lifetime")
		issuer = flag.String("issuer", "parking-match", "token issuer")
	)
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" || *id == "" {
		fmt.Fprintln(os.Stderr, "usage: JWT_SECRET=... devtoken -id <id> [-role rider|driver]")
		os.Exit(2)
	}
	r := models.Role(*role)
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}
	tok, err := auth.NewJWTService(secret, *issuer, *ttl).GenerateToken(models.Actor{ID: *id, Role: r, Name: *name})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
