// Command loadtest drives simulated users against a running server.
//
//   - saturate: open N idle connections and hold them
//   - chat:     pairs connect, match, exchange messages and end the session
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/whisper/randomchat/internal/auth"
	"github.com/whisper/randomchat/internal/config"
	"github.com/whisper/randomchat/internal/loadtest"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  chat        Full session lifecycle: connect, match, exchange messages, end")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// dialer issues a token per simulated user and connects it.
type dialer struct {
	endpoint string
	tokens   *auth.Verifier
	runID    string
}

func newDialer(endpoint, secret string) *dialer {
	if secret == "" {
		secret = config.Load().JWTSecret
	}
	return &dialer{
		endpoint: endpoint,
		tokens:   auth.NewVerifier(secret, time.Hour),
		runID:    fmt.Sprintf("%x", time.Now().UnixNano()&0xffffff),
	}
}

func (d *dialer) dial(ctx context.Context, n int, suffix string) (*loadtest.Client, error) {
	userID := fmt.Sprintf("lt-%s-%d%s", d.runID, n, suffix)
	token, err := d.tokens.Issue(userID)
	if err != nil {
		return nil, err
	}
	u, err := loadtest.URL(d.endpoint, token)
	if err != nil {
		return nil, err
	}
	return loadtest.Dial(ctx, u, userID)
}
