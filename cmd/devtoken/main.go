// Command devtoken prints a bearer token for a given owner, signed with the
// configured JWT secret. It is meant for local development against the API.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/auth"
	"github.com/seantuckercm/spytradr2.0-sub001/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	owner := flag.String("owner", "", "owner id to embed as the token subject")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.NewService(cfg.Auth.JWTSecret).IssueToken(*owner)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(token)
}
