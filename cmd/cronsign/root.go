package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"request-guard/internal/config"
)

var rootFlags struct {
	secret string
	method string
	path   string
	at     int64
}

var rootCmd = &cobra.Command{
	Use:   "cronsign",
	Short: "Sign requests for cron endpoints",
	Long: `cronsign signs requests for the cron endpoints of request-guard.

A signed request carries the shared secret as a bearer credential, the unix
timestamp it was signed at, and an HMAC-SHA256 over "timestamp.METHOD.path".
Each signature is accepted once and only within five minutes of its timestamp.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.secret, "secret", "", "shared cron secret (defaults to CRON_SECRET)")
	pf.StringVarP(&rootFlags.method, "method", "X", "POST", "HTTP method")
	pf.StringVarP(&rootFlags.path, "path", "p", "", "request path, e.g. /api/cron/sync")
	pf.Int64Var(&rootFlags.at, "at", 0, "unix timestamp to sign (defaults to now)")
}

// resolveSecret prefers the flag, then the environment and .env.
func resolveSecret() (string, error) {
	if rootFlags.secret != "" {
		return rootFlags.secret, nil
	}
	if s := config.LoadConfig().Cron.Secret; s != "" {
		return s, nil
	}
	return "", errors.New("no secret: pass --secret or set CRON_SECRET")
}

func signingTime() time.Time {
	if rootFlags.at > 0 {
		return time.Unix(rootFlags.at, 0)
	}
	return time.Now()
}

func validatePath() error {
	if !strings.HasPrefix(rootFlags.path, "/") {
		return fmt.Errorf("--path must start with /, got %q", rootFlags.path)
	}
	return nil
}
