// Command devtoken prints a bearer token for a user ID, signed with the
// server's JWT_SECRET. Useful for calling a local server:
//
//	TOKEN=$(go run ./cmd/devtoken -user alice)
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mmynk/settleup/internal/auth"
	"github.com/mmynk/settleup/internal/config"
	"github.com/mmynk/settleup/pkg/logging"
)

func main() {
	userID := flag.String("user", "", "user ID to put in the token")
	email := flag.String("email", "", "optional email claim")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	token, err := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenDuration).Generate(*userID, *email)
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
