package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/loadgen"
)

var loadCfg loadgen.Config

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Post synthetic chat updates to a running relay's webhook",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "=== Extraction Relay Load Test ===")
		fmt.Fprintf(out, "Target:        %s\n", loadCfg.URL)
		fmt.Fprintf(out, "Concurrency:   %d\n", loadCfg.Concurrency)
		fmt.Fprintf(out, "Duration:      %s\n", loadCfg.Duration)
		fmt.Fprintf(out, "Conversations: %d\n\n", loadCfg.Conversations)

		client := &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        loadCfg.Concurrency * 2,
				MaxIdleConnsPerHost: loadCfg.Concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		report := loadgen.Run(cmd.Context(), client, loadCfg)
		report.Print(out)
		if report.Total == 0 || report.Succeeded == 0 {
			return errors.New("no request succeeded, is the relay running?")
		}
		return nil
	},
}

func init() {
	f := loadtestCmd.Flags()
	f.StringVar(&loadCfg.URL, "url", "http://localhost:8080/api/v1/webhook", "webhook URL")
	f.StringVar(&loadCfg.Secret, "secret", "", "webhook secret header value")
	f.IntVar(&loadCfg.Concurrency, "concurrency", 10, "number of concurrent workers")
	f.DurationVar(&loadCfg.Duration, "duration", 30*time.Second, "test duration")
	f.IntVar(&loadCfg.Conversations, "conversations", 50, "distinct chat ids to spread updates across")
}
