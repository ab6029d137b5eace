package slackbot

import (
	"context"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/mlx93/TribalKnowledge/internal/store"
)

// handleReaction implements the two reactions this bot understands: 📦
// ("package") pins a good answer into the query cache for manual reuse, and
// 🔄 ("arrows_counterclockwise") discards any cached answer and reruns the
// question fresh.
func (d *Dispatcher) handleReaction(ctx context.Context, ev *slackevents.ReactionAddedEvent) {
	if ev.Item.Type != "message" {
		return
	}
	entry, ok := d.index.get(ev.Item.Channel, ev.Item.Timestamp)
	if !ok {
		return
	}

	switch ev.Reaction {
	case approvalReaction:
		d.handleApproval(ctx, ev.Item.Channel, ev.Item.Timestamp, entry)
	case refreshReaction:
		d.handleRefresh(ctx, ev.Item.Channel, entry)
	}
}

func (d *Dispatcher) handleApproval(ctx context.Context, channel, messageTS string, entry indexEntry) {
	if d.Cache == nil || entry.Result == nil || entry.Result.FromCache {
		return
	}
	if len(entry.Result.ToolsUsed) == 0 {
		return
	}

	tools := make([]store.ToolUsage, len(entry.Result.ToolsUsed))
	for i, t := range entry.Result.ToolsUsed {
		tools[i] = store.ToolUsage{Server: t.Server, Tool: t.Tool, Arguments: t.Arguments, Detail: t.Detail}
	}

	if _, err := d.Cache.Save(ctx, entry.Question, entry.Result.ResponseText, tools, entry.Result.SQLQueries, entry.Result.ProgressEvents, store.SaveManual); err != nil {
		d.Logger.Warn("slackbot: failed to pin response to cache", "error", err)
		return
	}

	if err := d.Slack.AddReactionContext(ctx, confirmReaction, slack.ItemRef{Channel: channel, Timestamp: messageTS}); err != nil {
		d.Logger.Warn("slackbot: failed to add confirmation reaction", "error", err)
	}
}

func (d *Dispatcher) handleRefresh(ctx context.Context, channel string, entry indexEntry) {
	if d.Cache != nil {
		if err := d.Cache.DeleteByQuestion(ctx, entry.Question); err != nil {
			d.Logger.Warn("slackbot: failed to evict cached response", "error", err)
		}
	}

	placeholderTS, err := d.postMessage(ctx, channel, entry.ThreadTS, refreshingPlaceholder)
	if err != nil {
		d.Logger.Error("slackbot: failed to post refresh placeholder", "error", err)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.updateMessage(ctx, channel, placeholderTS, "Sorry, the refresh failed.")
			}
		}()
		d.runLoop(ctx, channel, entry.ThreadTS, placeholderTS, "", entry.Question)
	}()
}
