package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/agent"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/chat"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/types"
)

func (c *cli) chatCmd() *cobra.Command {
	var webSearch bool
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.chat(cmd.Context(), strings.Join(args, " "), webSearch)
		},
	}
	cmd.Flags().BoolVarP(&webSearch, "web-search", "w", false, "search the web first and give the results to the model")
	return cmd
}

func (c *cli) chat(ctx context.Context, text string, webSearch bool) error {
	a, cleanup, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	// Updates carry the whole reply so far; print only what is new.
	var printed string
	opts := []chat.SendOption{
		chat.WithSource("cli"),
		chat.OnUpdate(func(m chat.Message) {
			if m.Role != types.RoleAssistant || !strings.HasPrefix(m.Content, printed) {
				return
			}
			fmt.Fprint(c.out, m.Content[len(printed):])
			printed = m.Content
		}),
	}
	if webSearch {
		opts = append(opts, chat.WithWebSearch())
	}

	msg, err := a.Chat().Send(ctx, text, opts...)
	if err != nil {
		if printed != "" {
			fmt.Fprintln(c.out)
		}
		return err
	}
	if printed != msg.Content {
		// The final text replaced the streamed one.
		fmt.Fprint(c.out, "\r", msg.Content)
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *cli) searchCmd() *cobra.Command {
	var req agent.SearchRequest
	var depth string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a web search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")
			req.Depth = search.Depth(depth)
			return c.search(cmd.Context(), req)
		},
	}
	f := cmd.Flags()
	f.StringVar(&depth, "depth", "", "search depth: basic or advanced (default: provider setting)")
	f.IntVarP(&req.MaxResults, "max-results", "n", 0, "maximum number of results (default: provider setting)")
	f.StringSliceVar(&req.IncludeDomains, "include", nil, "only return results from these domains")
	f.StringSliceVar(&req.ExcludeDomains, "exclude", nil, "never return results from these domains")
	return cmd
}

func (c *cli) search(ctx context.Context, req agent.SearchRequest) error {
	a, cleanup, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := a.Dispatcher().Dispatch(ctx, req)
	if err != nil {
		return err
	}
	resp := res.(agent.SearchResult).Response
	if resp == nil || len(resp.Results) == 0 {
		fmt.Fprintln(c.out, "no results")
		return nil
	}
	for i, r := range resp.Results {
		fmt.Fprintf(c.out, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			fmt.Fprintf(c.out, "   %s\n", r.Content)
		}
	}
	return nil
}
