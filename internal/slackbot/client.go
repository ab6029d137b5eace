package slackbot

import (
	"context"

	"github.com/slack-go/slack"
)

// apiClient is the subset of *slack.Client the dispatcher depends on,
// narrowed so tests can inject a fake instead of hitting the network.
type apiClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	PublishViewContext(ctx context.Context, userID string, view slack.HomeTabViewRequest, hash string) (*slack.ViewResponse, error)
}

var _ apiClient = (*slack.Client)(nil)
