package slackbot

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// handleHomeOpened publishes a status view: what this bot does, plus a live
// snapshot of MCP server connectivity and thread/cache store sizes.
func (d *Dispatcher) handleHomeOpened(ctx context.Context, ev *slackevents.AppHomeOpenedEvent) {
	view := slack.HomeTabViewRequest{
		Type:   slack.VTHomeTab,
		Blocks: slack.Blocks{BlockSet: d.homeBlocks(ctx)},
	}
	if _, err := d.Slack.PublishViewContext(ctx, ev.User, view, ""); err != nil {
		d.Logger.Warn("slackbot: failed to publish home tab", "error", err)
	}
}

func (d *Dispatcher) homeBlocks(ctx context.Context) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType,
			"*Database Assistant*\nMention me in a channel or reply in a thread with a question about the database, and I'll look it up and answer.", false, false), nil, nil),
		slack.NewDividerBlock(),
	}

	blocks = append(blocks, d.mcpStatusBlocks()...)
	blocks = append(blocks, d.llmConfigBlocks())

	if d.Threads != nil {
		if stats, err := d.Threads.GetStats(ctx); err == nil {
			blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("_%d active threads, %d messages tracked_", stats.TotalContexts, stats.TotalMessages), false, false)))
		}
	}

	if d.Cache != nil {
		if stats, err := d.Cache.GetStats(ctx); err == nil {
			blocks = append(blocks, slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("_%d cached answers, %d total hits_", stats.TotalEntries, stats.TotalHits), false, false)))
		}
	}

	return blocks
}

func (d *Dispatcher) llmConfigBlocks() slack.Block {
	text := fmt.Sprintf("*Model*\nPrimary: `%s`", d.LLMPrimaryModel)
	if d.LLMFallbackEnabled && d.LLMFallbackModel != "" {
		text += fmt.Sprintf(" · Fallback: `%s`", d.LLMFallbackModel)
	} else {
		text += " · Fallback: disabled"
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func (d *Dispatcher) mcpStatusBlocks() []slack.Block {
	if d.MCP == nil {
		return nil
	}
	statuses := d.MCP.Status()
	if len(statuses) == 0 {
		return nil
	}

	text := "*Connected tools*\n"
	for _, s := range statuses {
		icon := "🔴"
		if s.Connected {
			icon = "🟢"
		}
		text += fmt.Sprintf("%s `%s` — %d tools\n", icon, s.ID, s.ToolCount)
	}

	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
}
