// Command mint_token prints a development bearer token for a user.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	userID := flag.String("user", "", "user id to put in the token")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	token, err := auth.NewTokens(cfg.JWT.Secret, cfg.JWT.TTL).GenerateToken(*userID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
