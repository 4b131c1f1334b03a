package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/policyqa/engine/audit"
	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/engine/rag"
	"github.com/WessleyAI/policyqa/engine/retrieve"
	"github.com/WessleyAI/policyqa/engine/semantic"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		maxResults int
		sources    bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question through the full pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			st, err := buildStack(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			req := domain.QueryRequest{Query: strings.Join(args, " "), IncludeMetadata: &sources}
			if cmd.Flags().Changed("max-results") {
				req.MaxResults = &maxResults
			}
			out, err := st.svc.Query(ctx, uuid.NewString(), req)
			if err != nil {
				return fmt.Errorf("%s: %s", domain.KindOf(err), domain.PublicMessage(err))
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), out.Response)
			}
			printAnswer(cmd.OutOrStdout(), out.Response)
			return nil
		},
	}
	cmd.Flags().IntVarP(&maxResults, "max-results", "n", 10, "retrieval depth (1-20)")
	cmd.Flags().BoolVar(&sources, "sources", false, "include the retrieved excerpts")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the response as JSON")
	return cmd
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the vector store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := semantic.New(a.cfg.Qdrant.Addr, a.cfg.Qdrant.Collection)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := rag.New(rag.Deps{
				Retriever: retrieve.New(store, retrieve.Options{Timeout: a.cfg.Timeouts.Health}, a.logger),
			}, rag.Options{HealthTimeout: a.cfg.Timeouts.Health}, a.logger)
			resp, ok := svc.Health(cmdContext(cmd))
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !ok {
				return errors.New("vector store unavailable")
			}
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently answered queries from the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Audit.DSN == "" {
				return errors.New("audit log not configured (set audit.dsn or AUDIT_DSN)")
			}
			ctx := cmdContext(cmd)
			log, err := audit.Open(ctx, a.cfg.Audit.DSN, a.logger)
			if err != nil {
				return err
			}
			defer log.Close()

			recs, err := log.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			printHistory(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output entries as JSON")
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func printAnswer(w io.Writer, resp domain.QueryResponse) {
	fmt.Fprintln(w, resp.Response)
	if len(resp.Citations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Citations:")
		for _, c := range resp.Citations {
			fmt.Fprintf(w, "  - %s: %s\n", c.PolicyName, strings.Join(c.PageNumbers, ", "))
		}
	}
	for i, r := range resp.SearchResults {
		if i == 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Sources:")
		}
		fmt.Fprintf(w, "  [%d] %s, %s (similarity %.3f)\n", i+1, r.Chunk.SourceDocument, r.Chunk.PageNumber, r.Similarity)
	}
	cached := ""
	if resp.FromCache {
		cached = ", cached"
	}
	fmt.Fprintf(w, "\n(%.0f ms%s)\n", resp.ProcessingTimeMS, cached)
}

func printHistory(w io.Writer, recs []audit.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No queries recorded.")
		return
	}
	for _, r := range recs {
		var flags []string
		if r.FromCache {
			flags = append(flags, "cached")
		}
		if r.Degraded {
			flags = append(flags, "degraded")
		}
		suffix := ""
		if len(flags) > 0 {
			suffix = " [" + strings.Join(flags, ",") + "]"
		}
		fmt.Fprintf(w, "%s  %6.0f ms  %s%s\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.ProcessingTimeMS, r.Query, suffix)
	}
}
