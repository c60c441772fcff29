// Package mcp exposes the assistant as a Model Context Protocol server using
// the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk).
//
// Tools are thin adapters over agent requests:
//
//	ask           ChatRequest, the reply is recorded in the chat history
//	web_search    SearchRequest
//	get_settings  GetSettingsRequest (API key redacted)
//	set_language  SetLanguageRequest
//
// The server is mounted over streamable HTTP:
//
//	mux.Handle("/mcp", mcp.NewServer(dispatcher, version).Handler())
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/agent"
	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/pkg/provider/search"
)

// Dispatcher executes agent requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Server is the MCP server.
type Server struct {
	sdk *mcpsdk.Server
	d   Dispatcher
}

// AskInput is the argument of the ask tool.
type AskInput struct {
	Question  string `json:"question" jsonschema:"the question or instruction for the assistant"`
	WebSearch bool   `json:"web_search,omitempty" jsonschema:"search the web first and answer from the results"`
}

// SearchInput is the argument of the web_search tool.
type SearchInput struct {
	Query          string   `json:"query" jsonschema:"the search query"`
	IncludeDomains []string `json:"include_domains,omitempty" jsonschema:"only return results from these domains"`
	ExcludeDomains []string `json:"exclude_domains,omitempty" jsonschema:"never return results from these domains"`
	MaxResults     int      `json:"max_results,omitempty" jsonschema:"maximum number of results, 1 to 20"`
}

// LanguageInput is the argument of the set_language tool.
type LanguageInput struct {
	Language string `json:"language" jsonschema:"BCP-47 locale of the response language, e.g. fr-FR or en-US"`
}

// EmptyInput is the argument of tools without parameters.
type EmptyInput struct{}

// NewServer returns a Server with every tool registered.
func NewServer(d Dispatcher, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		sdk: mcpsdk.NewServer(&mcpsdk.Implementation{Name: "jarvis", Version: version}, nil),
		d:   d,
	}

	mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
		Name:        "ask",
		Description: "Ask J.A.R.V.I.S a question. The answer is given in the configured response language.",
	}, s.ask)
	mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
		Name:        "web_search",
		Description: "Search the web with Tavily and return the top results with their sources.",
	}, s.webSearch)
	mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
		Name:        "get_settings",
		Description: "Return the assistant's voice and language settings.",
	}, s.getSettings)
	mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
		Name:        "set_language",
		Description: "Change the language the assistant answers in.",
	}, s.setLanguage)
	return s
}

// SDK returns the underlying SDK server.
func (s *Server) SDK() *mcpsdk.Server { return s.sdk }

// Handler serves the MCP streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.sdk }, nil)
}

func (s *Server) ask(ctx context.Context, _ *mcpsdk.CallToolRequest, in AskInput) (*mcpsdk.CallToolResult, any, error) {
	res, err := s.d.Dispatch(ctx, agent.ChatRequest{Message: in.Question, WebSearch: in.WebSearch})
	if err != nil {
		return toolError("ask", err), nil, nil
	}
	return text(res.(agent.ChatResult).Message.Content), nil, nil
}

func (s *Server) webSearch(ctx context.Context, _ *mcpsdk.CallToolRequest, in SearchInput) (*mcpsdk.CallToolResult, any, error) {
	res, err := s.d.Dispatch(ctx, agent.SearchRequest{
		Query:          in.Query,
		IncludeDomains: in.IncludeDomains,
		ExcludeDomains: in.ExcludeDomains,
		MaxResults:     in.MaxResults,
	})
	if err != nil {
		return toolError("web_search", err), nil, nil
	}
	out := search.FormatContext(res.(agent.SearchResult).Response, 0)
	if strings.TrimSpace(out) == "" {
		out = "No results."
	}
	return text(out), nil, nil
}

func (s *Server) getSettings(ctx context.Context, _ *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, any, error) {
	res, err := s.d.Dispatch(ctx, agent.GetSettingsRequest{})
	if err != nil {
		return toolError("get_settings", err), nil, nil
	}
	b, err := json.MarshalIndent(res.(agent.SettingsResult).Settings, "", "  ")
	if err != nil {
		return toolError("get_settings", err), nil, nil
	}
	return text(string(b)), nil, nil
}

func (s *Server) setLanguage(ctx context.Context, _ *mcpsdk.CallToolRequest, in LanguageInput) (*mcpsdk.CallToolResult, any, error) {
	res, err := s.d.Dispatch(ctx, agent.SetLanguageRequest{Language: in.Language})
	if err != nil {
		return toolError("set_language", err), nil, nil
	}
	return text(fmt.Sprintf("Response language set to %s.", res.(agent.SettingsResult).Settings.Language)), nil, nil
}

func text(s string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: s}}}
}

// toolError reports err to the MCP client as a failed tool call rather than a
// protocol error.
func toolError(tool string, err error) *mcpsdk.CallToolResult {
	slog.Warn("mcp: tool failed", "tool", tool, "err", err)
	res := text(err.Error())
	res.IsError = true
	return res
}
