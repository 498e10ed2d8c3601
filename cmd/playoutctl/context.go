package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

type commandContext struct {
	serverFlag *string
	jsonFlag   *bool
}

func newCommandContext(serverFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{serverFlag: serverFlag, jsonFlag: jsonFlag}
}

func (c *commandContext) client() *apiClient {
	base := defaultServer
	if c.serverFlag != nil && strings.TrimSpace(*c.serverFlag) != "" {
		base = strings.TrimSpace(*c.serverFlag)
	}
	return newAPIClient(base, http.DefaultClient)
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// requestContext bounds a short API call; uploads use the command context
// directly.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, requestTimeout)
}
