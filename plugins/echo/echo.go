// Package echo registers a minimal built-in plugin used for smoke-testing a
// deployment: it echoes input back and reports execution identity. Linked
// into both kilnd and kiln-worker.
package echo

import (
	"encoding/json"

	"kiln/internal/handler"
	"kiln/internal/pluginctx"
)

func init() {
	handler.Register("echo#run", run)
	handler.Register("echo#whoami", whoami)
}

func run(c *pluginctx.Context, input json.RawMessage) (any, error) {
	if len(input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return input, nil
}

func whoami(c *pluginctx.Context, input json.RawMessage) (any, error) {
	id := c.Identity()
	return map[string]string{
		"execution_id": id.ExecutionID,
		"plugin_id":    id.PluginID,
		"tenant_id":    id.TenantID,
		"host":         string(id.Host),
		"cwd":          id.Cwd,
	}, nil
}
