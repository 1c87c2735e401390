// Command token issues a bearer token for local testing against the server:
//
//	go run ./cmd/token -user alice
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/whisper/randomchat/internal/auth"
	"github.com/whisper/randomchat/internal/config"
)

func main() {
	user := flag.String("user", "", "user id to put in the token subject")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: token -user <id>")
		os.Exit(2)
	}

	cfg := config.Load()
	token, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTExpiration).Issue(*user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
