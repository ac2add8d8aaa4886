package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/archive"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/store"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/redis"
)

var (
	companiesChat  string
	companiesLimit int
)

var companiesCmd = &cobra.Command{
	Use:   "companies",
	Short: "List archived companies of a conversation with their live link status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Postgres.Enabled {
			return errors.New("companies needs the postgres archive (postgres.enabled)")
		}
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		s := store.New(redisClient, cfg.Redis.KeyTTL, metrics.NewNop())
		return listCompanies(ctx, cmd.OutOrStdout(), archive.New(pg), s, companiesChat, companiesLimit)
	},
}

func init() {
	companiesCmd.Flags().StringVar(&companiesChat, "chat", "", "conversation id")
	companiesCmd.Flags().IntVar(&companiesLimit, "limit", 20, "newest companies to show (max 100)")
	companiesCmd.MarkFlagRequired("chat")
}

type companyLister interface {
	ListByChat(ctx context.Context, chatID string, limit int) ([]archive.Record, error)
}

type linkLister interface {
	Links(ctx context.Context, companyID string) ([]store.Link, error)
}

// listCompanies prints one line per archived link. Links whose Redis record
// has expired are shown as expired.
func listCompanies(ctx context.Context, out io.Writer, arch companyLister, links linkLister, chatID string, limit int) error {
	recs, err := arch.ListByChat(ctx, chatID, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintf(out, "no archived companies for conversation %s\n", chatID)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPANY\tNAME\tCREATED\tLINK\tTYPE\tSTATUS")
	for _, rec := range recs {
		live, err := links.Links(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("loading links of %s: %w", rec.ID, err)
		}
		status := make(map[string]store.Status, len(live))
		for _, l := range live {
			status[l.ID] = l.Status
		}
		created := rec.CreatedAt.UTC().Format(time.RFC3339)
		if len(rec.Links) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\t-\n", rec.ID, rec.Name, created)
			continue
		}
		for _, l := range rec.Links {
			st := "expired"
			if s, ok := status[l.ID]; ok {
				st = string(s)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Name, created, l.ID, l.Type, st)
		}
	}
	return tw.Flush()
}
