// Package discord adapts the Discord API to the traversal engine's message
// source and hosts the bot command surface.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"repost-radar/pkg/dedup"
	"repost-radar/traverse"
)

// History adapts one channel's (or thread's) Discord message history to the
// traversal engine's Source interface. Pages come back newest-first; an
// empty page means the history is exhausted.
type History struct {
	session   *discordgo.Session
	logger    *slog.Logger
	channelID string
	guildID   string
	location  string
}

// NewHistory creates a history reader for a channel. location tags every
// record with the sub-container it lives in (e.g. "forum-post-<name>").
func NewHistory(session *discordgo.Session, channel *discordgo.Channel, location string, logger *slog.Logger) *History {
	return &History{
		session:   session,
		logger:    logger,
		channelID: channel.ID,
		guildID:   channel.GuildID,
		location:  location,
	}
}

// FetchPage returns up to limit records older than beforeCursor ("" starts
// at the newest message). Permission and missing-channel failures come back
// as ScopeAccessError so the engine aborts instead of retrying.
func (h *History) FetchPage(ctx context.Context, beforeCursor string, limit int) ([]dedup.Message, error) {
	msgs, err := h.session.ChannelMessages(h.channelID, limit, beforeCursor, "", "", discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case http.StatusForbidden, http.StatusNotFound:
				return nil, &traverse.ScopeAccessError{Scope: h.channelID, Err: err}
			}
		}
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	records := make([]dedup.Message, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, record(m, h.guildID, h.location))
	}
	return records, nil
}

// Count walks the whole history to count messages, for progress totals.
func (h *History) Count(ctx context.Context) (int, error) {
	total := 0
	cursor := ""

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		page, err := h.FetchPage(ctx, cursor, traverse.PageSize)
		if err != nil {
			return total, fmt.Errorf("count messages: %w", err)
		}
		if len(page) == 0 {
			h.logger.Info("Message count finished", "channel_id", h.channelID, "total", total)
			return total, nil
		}

		total += len(page)
		cursor = page[len(page)-1].ID

		if total%1000 == 0 {
			h.logger.Info("Counting messages", "channel_id", h.channelID, "so_far", total)
		}
	}
}

// record converts a Discord message into the core's immutable snapshot.
func record(m *discordgo.Message, guildID, location string) dedup.Message {
	authorID, authorName := "", "unknown"
	if m.Author != nil {
		authorID = m.Author.ID
		authorName = m.Author.Username
	}

	if guildID == "" {
		guildID = m.GuildID
	}
	if guildID == "" {
		guildID = "@me"
	}

	atts := make([]dedup.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, dedup.Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
		})
	}

	return dedup.Message{
		ID:          m.ID,
		Permalink:   fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, m.ChannelID, m.ID),
		AuthorID:    authorID,
		AuthorName:  authorName,
		PostedAt:    m.Timestamp,
		Location:    location,
		Attachments: atts,
	}
}
