package console

import (
	"context"
)

// Readiness queries recovered from the system tables every instance
// serves: membership state and plugin enablement.
const (
	instanceStateQuery = "SELECT current_state FROM _pico_instance;"
	pluginEnabledQuery = "SELECT enabled FROM _pico_plugin;"
)

// onlineState is the membership state of a fully joined instance.
const onlineState = "Online"

// InstanceOnline reports whether the instance answers its console and
// reports the Online membership state. Any failed exchange while the
// context is live means "not yet", not an error: refusals, resets, and
// missing system tables are all expected while the process boots. Once
// the context is done the failure surfaces so polling stops.
func (c *Client) InstanceOnline(ctx context.Context) (bool, error) {
	rs, err := c.RunQuery(ctx, instanceStateQuery)
	if err != nil {
		if ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	if rs.Len() == 0 {
		return false, nil
	}
	for _, row := range rs.Rows {
		if len(row) == 0 || row[0] != onlineState {
			return false, nil
		}
	}
	return true, nil
}

// PluginsEnabled reports whether every declared plugin is enabled. Like
// InstanceOnline, a failed exchange or an empty plugin table reads as
// "not yet" while the context is live.
func (c *Client) PluginsEnabled(ctx context.Context) (bool, error) {
	rs, err := c.RunQuery(ctx, pluginEnabledQuery)
	if err != nil {
		if ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	if rs.Len() == 0 {
		return false, nil
	}
	for _, row := range rs.Rows {
		if len(row) == 0 || row[0] != "true" {
			return false, nil
		}
	}
	return true, nil
}
