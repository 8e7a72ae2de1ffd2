// Command token mints a service token for calling the walletd API.
//
// Usage:
//
//	AUTH_JWT_SECRET=... go run ./cmd/token -sub checkout -scopes ledger -ttl 720h
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rfqhub/walletd/internal/auth"
	"github.com/rfqhub/walletd/internal/logging"
)

func main() {
	logger := logging.New("info", "text")

	subject := flag.String("sub", "", "calling service name (required)")
	scopes := flag.String("scopes", auth.ScopeLedger, "comma-separated scopes (ledger, admin)")
	ttl := flag.Duration("ttl", 30*24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	if *subject == "" {
		flag.Usage()
		os.Exit(2)
	}

	var granted []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			granted = append(granted, s)
		}
	}

	tok, err := auth.NewManager(os.Getenv("AUTH_JWT_SECRET")).Issue(*subject, granted, *ttl)
	if err != nil {
		logger.Error("failed to issue token", "error", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
