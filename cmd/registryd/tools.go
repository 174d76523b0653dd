package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShantanuVr/registry-adapter-api/pkg/auth"
	"github.com/ShantanuVr/registry-adapter-api/pkg/config"
	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
	"github.com/ShantanuVr/registry-adapter-api/pkg/store"
)

func databaseURL(cmd *cobra.Command) (string, error) {
	if url, _ := cmd.Flags().GetString("database-url"); url != "" {
		return url, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.DatabaseURL, nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the receipt, idempotency and class mapping tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), url)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Init(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", st.Dialect())
			return err
		},
	}
	cmd.Flags().String("database-url", "", "database URL (defaults to configuration)")
	return cmd
}

func newPendingCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List receipts whose ledger outcome is still unknown",
		Long: "Lists PENDING receipts older than --older-than as JSON lines. " +
			"They are never resubmitted automatically; reconcile them against the ledger.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), url)
			if err != nil {
				return err
			}
			defer st.Close()

			pending, err := receipts.NewManager(st).ListPending(cmd.Context(), olderThan, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range pending {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().String("database-url", "", "database URL (defaults to configuration)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "minimum age of a reported receipt")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum receipts to list")
	return cmd
}

func newClassIDCmd() *cobra.Command {
	var project, start, end string
	cmd := &cobra.Command{
		Use:   "class-id",
		Short: "Derive the class id of a project window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := time.Parse(time.RFC3339Nano, start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			e, err := time.Parse(time.RFC3339Nano, end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			id, err := derive.ClassID(project, derive.Window{Start: s, End: e}, derive.DefaultMaxWindowSpan)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC 3339)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newAggregateCmd() *cobra.Command {
	var prove int
	cmd := &cobra.Command{
		Use:   "aggregate HASH...",
		Short: "Fold evidence hashes into the root an anchor would commit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashes, err := derive.ParseEvidenceHashes(args)
			if err != nil {
				return err
			}
			if prove < 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), derive.AggregateEvidence(hashes).Hex())
				return err
			}
			proof, err := derive.EvidenceProof(hashes, prove)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(proof)
		},
	}
	cmd.Flags().IntVar(&prove, "prove", -1, "print the inclusion proof of the hash at this index")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret, subject, org, role string
		ttl                        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("no JWT secret: pass --secret or set JWT_SECRET")
			}
			tok, err := auth.SignHMAC(secret, subject, org, role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (defaults to JWT_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&org, "org", "", "organisation the token is bound to")
	cmd.Flags().StringVar(&role, "role", "issuer", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
