// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFolio/pkg/ux"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:12210"

// cliOptions holds the persistent flags.
type cliOptions struct {
	server string
	plain  bool
}

func (o *cliOptions) client() *apiClient {
	return newAPIClient(o.server)
}

func (o *cliOptions) printer(cmd *cobra.Command) *ux.Printer {
	if o.plain {
		return ux.NewPlainPrinter(cmd.OutOrStdout())
	}
	return ux.NewPrinter(cmd.OutOrStdout())
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:           "folio",
		Short:         "Chat with a Folio portfolio assistant from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.server == "" {
				opts.server = defaultServer
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", os.Getenv("FOLIO_SERVER"), "orchestrator base URL")
	rootCmd.PersistentFlags().BoolVar(&opts.plain, "plain", false, "disable colors")

	rootCmd.AddCommand(
		newAskCmd(opts),
		newHistoryCmd(opts),
		newSearchCmd(opts),
		newNotifyCmd(opts),
	)
	return rootCmd
}

// --- Ask ---

func newAskCmd(opts *cliOptions) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runAsk(ctx, opts, cmd, datatypes.ChatRequest{
				Message:   strings.Join(args, " "),
				SessionID: sessionID,
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session")
	return cmd
}

func runAsk(ctx context.Context, opts *cliOptions, cmd *cobra.Command, req datatypes.ChatRequest) error {
	p := opts.printer(cmd)
	var streamErr string

	sessionID, err := opts.client().Ask(ctx, req, func(e ux.StreamEvent) error {
		switch e.Type {
		case ux.StreamEventToken:
			p.Token(e.Content)
		case ux.StreamEventError:
			streamErr = e.Error
		}
		return nil
	})
	p.Token("\n")

	if err != nil {
		return err
	}
	if sessionID != "" {
		p.Muted("session: " + sessionID)
	}
	if streamErr != "" {
		return fmt.Errorf("server error: %s", streamErr)
	}
	return nil
}

// --- History ---

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history [sessionId]",
		Short: "Print the transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd)
			history, err := opts.client().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(history.Messages) == 0 {
				p.Muted("no messages")
				return nil
			}
			for _, m := range history.Messages {
				ts := time.UnixMilli(m.Timestamp).Format(time.DateTime)
				p.Field(string(m.Role), m.Content)
				p.Muted("  " + ts)
			}
			return nil
		},
	}
}

// --- Search ---

func newSearchCmd(opts *cliOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the profile index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd)
			resp, err := opts.client().Search(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if len(resp.Results) == 0 {
				p.Muted("no results above the relevance floor")
				return nil
			}
			for _, r := range resp.Results {
				p.Field(fmt.Sprintf("%.2f", r.Score), describePassage(r))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results (1-20)")
	return cmd
}

func describePassage(r datatypes.RetrievedPassage) string {
	label := r.Metadata.Type
	for _, s := range []string{r.Metadata.Name, r.Metadata.Title, r.Metadata.Company, r.Metadata.Institution} {
		if s != "" {
			label += " " + string(ux.IconArrow) + " " + s
			break
		}
	}
	if r.HasText() {
		return label + ": " + *r.Text
	}
	return label
}

// --- Notify ---

func newNotifyCmd(opts *cliOptions) *cobra.Command {
	var req datatypes.NotificationRequest

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send a contact request to the site owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := opts.printer(cmd)
			resp, err := opts.client().Notify(cmd.Context(), req)
			if err != nil {
				return err
			}
			msg := "notification sent"
			if resp.EmailID != "" {
				msg += " (" + resp.EmailID + ")"
			}
			p.Success(msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.VisitorEmail, "email", "", "your email address")
	cmd.Flags().StringVar(&req.VisitorName, "name", "", "your name")
	cmd.Flags().StringVar(&req.InquiryType, "type", "", "job-opportunity, freelance-project, collaboration, consulting or general")
	cmd.Flags().StringVarP(&req.Message, "message", "m", "", "message to send")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "related chat session")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
