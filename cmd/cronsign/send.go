package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var sendFlags struct {
	url     string
	timeout time.Duration
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign and send a request",
	Long: `Sign a request and send it to the server, printing the status and body.
The command fails when the server answers with a status of 400 or above.`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendFlags.url, "url", "http://localhost:8080", "server base URL")
	sendCmd.Flags().DurationVar(&sendFlags.timeout, "timeout", 30*time.Second, "request timeout")
}

func runSend(cmd *cobra.Command, _ []string) error {
	if err := validatePath(); err != nil {
		return err
	}
	secret, err := resolveSecret()
	if err != nil {
		return err
	}
	req, err := signedRequest(secret, sendFlags.url)
	if err != nil {
		return err
	}
	req = req.WithContext(cmd.Context())

	client := &http.Client{Timeout: sendFlags.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", resp.Status, body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return nil
}
