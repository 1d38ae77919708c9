package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"request-guard/internal/cronauth"
)

var headersFlags struct {
	format string
	url    string
}

var headersCmd = &cobra.Command{
	Use:   "headers",
	Short: "Print signed headers",
	Long: `Print the Authorization, X-Cron-Timestamp and X-Cron-Signature headers
for one request.

Formats:
  headers - one "Name: value" line per header
  curl    - a curl command line (needs --url)`,
	RunE: runHeaders,
}

func init() {
	rootCmd.AddCommand(headersCmd)
	headersCmd.Flags().StringVarP(&headersFlags.format, "format", "f", "headers", "output format: headers or curl")
	headersCmd.Flags().StringVar(&headersFlags.url, "url", "", "base URL for the curl format")
}

func runHeaders(cmd *cobra.Command, _ []string) error {
	if err := validatePath(); err != nil {
		return err
	}
	secret, err := resolveSecret()
	if err != nil {
		return err
	}
	req, err := signedRequest(secret, headersFlags.url)
	if err != nil {
		return err
	}
	return writeHeaders(cmd.OutOrStdout(), req, headersFlags.format)
}

func signedRequest(secret, baseURL string) (*http.Request, error) {
	target := strings.TrimRight(baseURL, "/") + rootFlags.path
	if baseURL == "" {
		target = "http://localhost" + rootFlags.path
	}
	req, err := http.NewRequest(strings.ToUpper(rootFlags.method), target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	cronauth.SignRequest(req, secret, signingTime())
	return req, nil
}

func writeHeaders(w io.Writer, req *http.Request, format string) error {
	names := []string{cronauth.AuthorizationHeader, cronauth.TimestampHeader, cronauth.SignatureHeader}
	switch format {
	case "headers":
		for _, name := range names {
			fmt.Fprintf(w, "%s: %s\n", name, req.Header.Get(name))
		}
	case "curl":
		if headersFlags.url == "" {
			return fmt.Errorf("--url is required for the curl format")
		}
		fmt.Fprintf(w, "curl -X %s", req.Method)
		for _, name := range names {
			fmt.Fprintf(w, " -H '%s: %s'", name, req.Header.Get(name))
		}
		fmt.Fprintf(w, " '%s'\n", req.URL.String())
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	return nil
}
