package discord

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"repost-radar/traverse"
)

const (
	barLength          = 20
	statusEditInterval = 5 * time.Second
)

var countPrinter = message.NewPrinter(language.English)

func formatCount(n int) string {
	return countPrinter.Sprintf("%d", n)
}

func progressBar(fraction float64) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * barLength)
	return strings.Repeat("█", filled) + strings.Repeat("░", barLength-filled)
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func progressText(p traverse.Progress, currentItem string) string {
	var sb strings.Builder

	if p.TotalMessages > 0 {
		fraction := float64(p.ProcessedMessages) / float64(p.TotalMessages)
		fmt.Fprintf(&sb, "Processing: %s %.1f%%\n", progressBar(fraction), fraction*100)
		fmt.Fprintf(&sb, "Messages: %s / %s\n", formatCount(p.ProcessedMessages), formatCount(p.TotalMessages))
	} else {
		fmt.Fprintf(&sb, "Messages processed: %s\n", formatCount(p.ProcessedMessages))
	}
	fmt.Fprintf(&sb, "Images processed: %s\n", formatCount(p.ProcessedImages))
	fmt.Fprintf(&sb, "Duplicates found: %s\n", formatCount(p.DuplicatesFound))
	if currentItem != "" {
		fmt.Fprintf(&sb, "Current post: %s\n", currentItem)
	}
	fmt.Fprintf(&sb, "Time elapsed: %s", formatElapsed(p.Elapsed))

	return sb.String()
}

// statusUpdater edits a single status message in place so long scans do
// not flood the channel. Edits are throttled; set bypasses the throttle
// for milestone and final messages.
type statusUpdater struct {
	session   *discordgo.Session
	logger    *slog.Logger
	channelID string
	messageID string

	mu       sync.Mutex
	lastEdit time.Time
}

func (b *Bot) newStatus(channelID, initial string) *statusUpdater {
	u := &statusUpdater{
		session:   b.session,
		logger:    b.logger,
		channelID: channelID,
	}
	if msg := b.send(channelID, initial); msg != nil {
		u.messageID = msg.ID
	}
	return u
}

func (u *statusUpdater) update(p traverse.Progress, currentItem string) {
	u.mu.Lock()
	if time.Since(u.lastEdit) < statusEditInterval {
		u.mu.Unlock()
		return
	}
	u.lastEdit = time.Now()
	u.mu.Unlock()

	u.edit(progressText(p, currentItem))
}

func (u *statusUpdater) set(content string) {
	u.mu.Lock()
	u.lastEdit = time.Now()
	u.mu.Unlock()

	u.edit(content)
}

func (u *statusUpdater) edit(content string) {
	if u.messageID == "" {
		return
	}
	if _, err := u.session.ChannelMessageEdit(u.channelID, u.messageID, content); err != nil {
		u.logger.Warn("Failed to edit status message",
			"channel_id", u.channelID, "message_id", u.messageID, "error", err)
	}
}
