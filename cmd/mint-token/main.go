// mint-token issues an operator bearer token for the sync-service API.
//
// Usage:
//   API_SECRET=... go run ./cmd/mint-token -subject ops@example.kz
//
// Pass the output as "Authorization: Bearer <token>" to the /api/sync
// endpoints. Lifespan comes from TOKEN_HOUR_LIFESPAN (default 24h).
package main

import (
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/kaspi_backend/utils"
)

func main() {
	subject := flag.String("subject", "", "Required: who the token is for")
	role := flag.String("role", "operator", "Optional: role claim")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "-subject is required")
		os.Exit(1)
	}

	token, err := utils.JwtGenerate(*subject, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
