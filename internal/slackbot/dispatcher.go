package slackbot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/mlx93/TribalKnowledge/internal/agent"
	"github.com/mlx93/TribalKnowledge/internal/mcp"
	"github.com/mlx93/TribalKnowledge/internal/store"
)

const (
	approvalReaction = "package"
	refreshReaction  = "arrows_counterclockwise"
	confirmReaction  = "white_check_mark"

	thinkingPlaceholder = "🤔 thinking…"
	refreshingPlaceholder = "🔄 running fresh query…"
)

// Dispatcher adapts Slack Socket-Mode events into Agent Loop invocations and
// renders the result back into the thread (component C6).
type Dispatcher struct {
	Slack   apiClient
	Socket  *socketmode.Client
	Threads *store.ThreadContextStore
	Cache   *store.QueryCacheStore
	Loop    *agent.Loop
	MCP     *mcp.Manager
	Logger  *slog.Logger

	// LLM config surfaced read-only on the home tab; the dispatcher never
	// acts on these itself.
	LLMPrimaryModel    string
	LLMFallbackModel   string
	LLMFallbackEnabled bool

	botUserID string
	mentionRE *regexp.Regexp
	index     *messageIndex
}

// NewDispatcher builds a Dispatcher around an already-constructed Socket
// Mode client. Start performs the AuthTest handshake to learn the bot's
// own user id.
func NewDispatcher(slackClient apiClient, socket *socketmode.Client, threads *store.ThreadContextStore, cache *store.QueryCacheStore, loop *agent.Loop, mcpMgr *mcp.Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Slack:   slackClient,
		Socket:  socket,
		Threads: threads,
		Cache:   cache,
		Loop:    loop,
		MCP:     mcpMgr,
		Logger:  logger,
		index:   newMessageIndex(),
	}
}

// Start resolves the bot's own user id and begins processing Socket-Mode
// events until ctx is cancelled. The socketmode run loop itself is started
// by the caller (typically the Lifecycle Supervisor) via d.Socket.RunContext.
func (d *Dispatcher) Start(ctx context.Context) error {
	resp, err := d.Slack.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slackbot: auth test: %w", err)
	}
	d.botUserID = resp.UserID
	d.mentionRE = mentionPattern(d.botUserID)

	go d.consumeEvents(ctx)
	return nil
}

func (d *Dispatcher) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-d.Socket.Events:
			if !ok {
				return
			}
			d.handleSocketEvent(ctx, evt)
		}
	}
}

func (d *Dispatcher) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			d.Socket.Ack(*evt.Request)
		}
		d.handleEventsAPI(ctx, apiEvent)
	default:
		// Slash commands and interactive payloads are outside this bot's scope.
	}
}

func (d *Dispatcher) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch inner := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		d.handleMention(ctx, inner)
	case *slackevents.MessageEvent:
		d.handleThreadMessage(ctx, inner)
	case *slackevents.ReactionAddedEvent:
		d.handleReaction(ctx, inner)
	case *slackevents.AppHomeOpenedEvent:
		d.handleHomeOpened(ctx, inner)
	}
}

func (d *Dispatcher) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	text := stripMention(d.mentionRE, ev.Text)
	if text == "" {
		d.postMessage(ctx, ev.Channel, ev.TimeStamp, "Ask me a question about the database, e.g. \"how many merchants do we have?\"")
		return
	}

	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	d.dispatchBackground(ctx, ev.Channel, threadTS, ev.User, text)
}

func (d *Dispatcher) handleThreadMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.SubType == "bot_message" {
		return
	}
	if ev.ThreadTimeStamp == "" {
		return
	}

	if _, err := d.Threads.Get(ctx, ev.Channel, ev.ThreadTimeStamp); err != nil {
		// The bot was never summoned into this thread; a bare reply is not for us.
		return
	}

	text := stripMention(d.mentionRE, ev.Text)
	if text == "" || agent.EmojiOnlyShortMessage(text) {
		return
	}
	d.dispatchBackground(ctx, ev.Channel, ev.ThreadTimeStamp, ev.User, text)
}

// dispatchBackground posts a "thinking" placeholder immediately (to beat
// the platform's ack deadline), then runs the loop asynchronously and edits
// the placeholder in place for every progress update and the final answer.
func (d *Dispatcher) dispatchBackground(ctx context.Context, channel, threadTS, userID, question string) {
	placeholderTS, err := d.postMessage(ctx, channel, threadTS, thinkingPlaceholder)
	if err != nil {
		d.Logger.Error("slackbot: failed to post placeholder", "error", err)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.updateMessage(ctx, channel, placeholderTS, fmt.Sprintf("Sorry, something went wrong: %v", r))
			}
		}()
		d.runLoop(ctx, channel, threadTS, placeholderTS, userID, question)
	}()
}

func (d *Dispatcher) runLoop(ctx context.Context, channel, threadTS, placeholderTS, userID, question string) {
	tc, err := d.Threads.GetOrCreate(ctx, channel, threadTS, userID)
	if err != nil {
		d.updateMessage(ctx, channel, placeholderTS, fmt.Sprintf("Sorry, I couldn't load this thread's context: %v", err))
		return
	}

	result := d.Loop.Run(ctx, tc, question, func(text string) {
		d.updateMessage(ctx, channel, placeholderTS, text)
	})

	if err := d.Threads.Save(ctx, tc); err != nil {
		d.Logger.Error("slackbot: failed to save thread context", "error", err)
	}

	if result.Error != nil {
		d.Logger.Warn("slackbot: loop finished with error", "error", result.Error)
	}

	_, blocks := Render(result)
	d.updateMessageBlocks(ctx, channel, placeholderTS, blocks)

	d.index.put(channel, placeholderTS, indexEntry{Question: question, Result: result, ThreadTS: threadTS})
}

func (d *Dispatcher) postMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	_, ts, err := d.Slack.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false), slack.MsgOptionTS(threadTS))
	if err != nil {
		return "", fmt.Errorf("slackbot: post message: %w", err)
	}
	return ts, nil
}

func (d *Dispatcher) updateMessage(ctx context.Context, channel, ts, text string) {
	if _, _, _, err := d.Slack.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionText(text, false)); err != nil {
		d.Logger.Warn("slackbot: failed to edit message", "error", err)
	}
}

func (d *Dispatcher) updateMessageBlocks(ctx context.Context, channel, ts string, blocks []slack.Block) {
	if _, _, _, err := d.Slack.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionBlocks(blocks...)); err != nil {
		d.Logger.Warn("slackbot: failed to edit message with blocks", "error", err)
	}
}
