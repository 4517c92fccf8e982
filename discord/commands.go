package discord

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"repost-radar/fingerprint"
	"repost-radar/report"
	"repost-radar/traverse"
)

var channelIDPattern = regexp.MustCompile(`^\d+$`)

// pageFetchRate throttles history page requests to stay inside Discord's
// REST budget alongside image downloads.
const pageFetchRate = rate.Limit(2)

var requiredPermissions = []struct {
	name string
	bit  int64
}{
	{"View Channel", discordgo.PermissionViewChannel},
	{"Read Message History", discordgo.PermissionReadMessageHistory},
	{"Send Messages", discordgo.PermissionSendMessages},
}

var additionalPermissions = []struct {
	name string
	bit  int64
}{
	{"Manage Messages", discordgo.PermissionManageMessages},
	{"Attach Files", discordgo.PermissionAttachFiles},
	{"Embed Links", discordgo.PermissionEmbedLinks},
}

func (b *Bot) handleCommand(m *discordgo.MessageCreate) {
	fields := strings.Fields(m.Content)
	command := fields[0]
	args := fields[1:]

	b.logger.Info("Command received", "command", command, "channel_id", m.ChannelID, "author_id", m.Author.ID)

	switch command {
	case "!scan", "!hash":
		// Long-running; never block the gateway event loop.
		go b.scanCommand(m, args)
	case "!check":
		go b.checkCommand(m, args)
	case "!checkperms":
		b.permsCommand(m, args)
	case "!help":
		b.helpCommand(m)
	default:
		b.send(m.ChannelID, "Unknown command. Use !help to see available commands.")
	}
}

func (b *Bot) helpCommand(m *discordgo.MessageCreate) {
	help := "**Repost Radar Commands:**\n" +
		"`!scan <channelId>` - Build the hash database for a channel's history (resumable)\n" +
		"`!check <channelId>` - Analyze a forum channel for duplicate images and produce a report\n" +
		"`!checkperms <channelId>` - Check bot permissions in a channel\n" +
		"`!help` - Show this help message\n\n" +
		"**Note:** All responses will be sent to the channel where the command was issued."
	b.send(m.ChannelID, help)
}

// scanCommand builds or resumes the hash database for one channel history.
func (b *Bot) scanCommand(m *discordgo.MessageCreate, args []string) {
	if len(args) == 0 || !channelIDPattern.MatchString(args[0]) {
		b.send(m.ChannelID, "Please provide a channel ID. Usage: !scan <channelId>")
		return
	}
	scope := args[0]

	if !b.acquireScope(scope) {
		b.send(m.ChannelID, "A scan is already running for this channel.")
		return
	}
	defer b.releaseScope(scope)

	// One table writer per scope: exclude the live watcher for the whole
	// run, and make it reload the rewritten snapshot afterwards.
	lock := b.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()
	defer b.invalidateLiveTable(scope)

	ctx := b.runCtx
	channel, err := b.session.Channel(scope, discordgo.WithContext(ctx))
	if err != nil {
		b.send(m.ChannelID, fmt.Sprintf("Failed to access channel: %v", err))
		return
	}
	if !b.requirePermissions(m.ChannelID, scope) {
		return
	}

	status := b.newStatus(m.ChannelID, "Starting history scan... This might take a while.")

	hist := NewHistory(b.session, channel, "channel-"+channel.Name, b.logger)
	total, err := hist.Count(ctx)
	if err != nil {
		b.logger.Warn("Message count failed, progress will omit totals", "scope", scope, "error", err)
		total = 0
	} else {
		status.set(fmt.Sprintf("Starting history scan...\nTotal messages to process: %s", formatCount(total)))
	}

	table, err := b.store.Load(ctx, scope)
	if err != nil {
		status.set(fmt.Sprintf("Failed to load hash database: %v", err))
		return
	}
	cursor, err := b.store.LoadCursor(ctx, scope)
	if err != nil {
		b.logger.Warn("Failed to load resume cursor, starting from newest", "scope", scope, "error", err)
		cursor = ""
	}

	engine := &traverse.Engine{
		Source:        hist,
		Hasher:        b.hasher,
		Table:         table,
		Store:         b.store,
		Eligible:      fingerprint.Eligible,
		Logger:        b.logger,
		TotalMessages: total,
		Limiter:       rate.NewLimiter(pageFetchRate, 1),
		OnProgress:    func(p traverse.Progress) { status.update(p, "") },
		GCHint:        b.gcHint,
	}

	result, runErr := engine.Run(ctx, cursor)

	if result.FinalCursor != "" {
		if err := b.store.SaveCursor(ctx, scope, result.FinalCursor); err != nil {
			b.logger.Warn("Failed to save resume cursor", "scope", scope, "error", err)
		}
	}

	if runErr != nil {
		status.set(fmt.Sprintf("Scan failed after %s messages: %v", formatCount(result.ProcessedMessages), runErr))
		return
	}
	status.set(scanSummary(result, table.Len()))
}

func scanSummary(res traverse.Result, uniqueImages int) string {
	headline := "Hash database build complete!"
	if res.Cancelled {
		headline = "Scan stopped early (cancelled or time budget exhausted)."
	}
	return fmt.Sprintf(
		"%s\n"+
			"Messages processed: %s\n"+
			"Images processed: %s\n"+
			"Duplicates found: %s\n"+
			"Attachments skipped due to errors: %s\n"+
			"Unique images: %s\n"+
			"Time taken: %s",
		headline,
		formatCount(res.ProcessedMessages),
		formatCount(res.ProcessedImages),
		formatCount(res.DuplicatesFound),
		formatCount(res.SkippedAttachments),
		formatCount(uniqueImages),
		formatElapsed(res.Elapsed))
}

// checkCommand analyzes a whole forum channel for duplicates across every
// post, then uploads the CSV report.
func (b *Bot) checkCommand(m *discordgo.MessageCreate, args []string) {
	if len(args) == 0 || !channelIDPattern.MatchString(args[0]) {
		b.send(m.ChannelID, "Please provide a valid forum channel ID. Usage: !check <channelId>")
		return
	}
	scope := args[0]

	if !b.acquireScope(scope) {
		b.send(m.ChannelID, "An analysis is already running for this channel.")
		return
	}
	defer b.releaseScope(scope)

	lock := b.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()
	defer b.invalidateLiveTable(scope)

	ctx := b.runCtx
	channel, err := b.session.Channel(scope, discordgo.WithContext(ctx))
	if err != nil {
		b.send(m.ChannelID, fmt.Sprintf("Failed to access channel: %v", err))
		return
	}
	if channel.Type != discordgo.ChannelTypeGuildForum {
		b.send(m.ChannelID, "This channel is not a forum channel.")
		return
	}
	if !b.requirePermissions(m.ChannelID, scope) {
		return
	}

	status := b.newStatus(m.ChannelID, "Starting forum analysis... This might take a while.")

	threads, err := b.forumThreads(ctx, channel)
	if err != nil {
		status.set(fmt.Sprintf("Failed to enumerate forum posts: %v", err))
		return
	}
	if len(threads) == 0 {
		status.set("No posts found in this forum.")
		return
	}

	total := 0
	for _, th := range threads {
		n, err := NewHistory(b.session, th, "", b.logger).Count(ctx)
		if err != nil {
			b.logger.Warn("Count failed for forum post", "thread_id", th.ID, "error", err)
			continue
		}
		total += n
	}
	status.set(fmt.Sprintf("Starting analysis of %s total messages across %d forum posts...",
		formatCount(total), len(threads)))

	table, err := b.store.Load(ctx, scope)
	if err != nil {
		status.set(fmt.Sprintf("Failed to load hash database: %v", err))
		return
	}

	var agg traverse.Result
	start := time.Now()

	for _, th := range threads {
		hist := NewHistory(b.session, th, "forum-post-"+th.Name, b.logger)
		base := agg
		threadName := th.Name

		engine := &traverse.Engine{
			Source:        hist,
			Hasher:        b.hasher,
			Table:         table,
			Store:         b.store,
			Eligible:      fingerprint.Eligible,
			Logger:        b.logger,
			TotalMessages: total,
			Limiter:       rate.NewLimiter(pageFetchRate, 1),
			GCHint:        b.gcHint,
			OnProgress: func(p traverse.Progress) {
				status.update(traverse.Progress{
					ProcessedMessages: base.ProcessedMessages + p.ProcessedMessages,
					TotalMessages:     total,
					ProcessedImages:   base.ProcessedImages + p.ProcessedImages,
					DuplicatesFound:   base.DuplicatesFound + p.DuplicatesFound,
					Elapsed:           time.Since(start),
				}, threadName)
			},
		}

		res, runErr := engine.Run(ctx, "")
		agg.ProcessedMessages += res.ProcessedMessages
		agg.ProcessedImages += res.ProcessedImages
		agg.DuplicatesFound += res.DuplicatesFound
		agg.SkippedAttachments += res.SkippedAttachments

		if runErr != nil {
			// Continue with other posts despite errors.
			b.logger.Warn("Forum post analysis failed, continuing with remaining posts",
				"thread_id", th.ID, "error", runErr)
			continue
		}
		if res.Cancelled {
			agg.Cancelled = true
			break
		}
	}
	agg.Elapsed = time.Since(start)

	reportPath, rows, err := report.Generate(b.reportDir, table, b.logger)
	if err != nil {
		status.set(fmt.Sprintf("Analysis finished but report generation failed: %v", err))
		return
	}
	if _, err := report.GenerateAuthors(b.reportDir, scope, report.Rows(table), b.logger); err != nil {
		b.logger.Warn("Author report generation failed", "scope", scope, "error", err)
	}

	b.uploadReport(m.ChannelID, reportPath)
	status.set(checkSummary(agg, rows, reportPath))
}

func checkSummary(res traverse.Result, rows int, reportPath string) string {
	headline := "Analysis complete!"
	if res.Cancelled {
		headline = "Analysis stopped early (cancelled or time budget exhausted)."
	}
	return fmt.Sprintf(
		"%s\n"+
			"Total messages analyzed: %s\n"+
			"Images found: %s\n"+
			"Duplicates found: %s\n"+
			"Attachments skipped due to errors: %s\n"+
			"Report rows: %s\n"+
			"Time taken: %s\n"+
			"Report saved as: %s",
		headline,
		formatCount(res.ProcessedMessages),
		formatCount(res.ProcessedImages),
		formatCount(res.DuplicatesFound),
		formatCount(res.SkippedAttachments),
		formatCount(rows),
		formatElapsed(res.Elapsed),
		filepath.Base(reportPath))
}

// permsCommand reports the bot's effective permissions in a channel.
func (b *Bot) permsCommand(m *discordgo.MessageCreate, args []string) {
	if len(args) == 0 || !channelIDPattern.MatchString(args[0]) {
		b.send(m.ChannelID, "Please provide a channel ID. Usage: !checkperms <channelId>")
		return
	}

	channel, err := b.session.Channel(args[0], discordgo.WithContext(b.runCtx))
	if err != nil {
		b.send(m.ChannelID, fmt.Sprintf("Error checking permissions: %v", err))
		return
	}

	perms, err := b.channelPermissions(channel.ID)
	if err != nil {
		b.send(m.ChannelID, fmt.Sprintf("Error checking permissions: %v", err))
		return
	}

	hasRequired := true
	var required, additional strings.Builder
	for _, p := range requiredPermissions {
		has := perms&p.bit != 0
		if !has {
			hasRequired = false
		}
		fmt.Fprintf(&required, "%s %s\n", checkMark(has), p.name)
	}
	for _, p := range additionalPermissions {
		fmt.Fprintf(&additional, "%s %s\n", checkMark(perms&p.bit != 0), p.name)
	}

	color := colorSuccess
	if !hasRequired {
		color = colorError
	}
	embed := &discordgo.MessageEmbed{
		Title: "Channel Permissions Report",
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "Channel Information",
				Value: fmt.Sprintf("Name: %s\nID: %s\nType: %s", channel.Name, channel.ID, channelTypeName(channel)),
			},
			{Name: "Required Permissions", Value: required.String()},
			{Name: "Additional Permissions", Value: additional.String()},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if !hasRequired {
		embed.Description = "⚠️ Missing required permissions! The bot may not function correctly."
	}

	if _, err := b.session.ChannelMessageSendEmbed(m.ChannelID, embed); err != nil {
		b.logger.Warn("Failed to send permission report embed, falling back to text", "error", err)
		b.send(m.ChannelID, fmt.Sprintf(
			"**Channel Permissions Report**\n\nChannel: %s (%s)\nType: %s\n\nRequired Permissions:\n%s\nAdditional Permissions:\n%s",
			channel.Name, channel.ID, channelTypeName(channel), required.String(), additional.String()))
	}
}

func checkMark(has bool) string {
	if has {
		return "✅"
	}
	return "❌"
}

func channelTypeName(c *discordgo.Channel) string {
	switch c.Type {
	case discordgo.ChannelTypeGuildForum:
		return "Forum"
	case discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		return "Thread"
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return "Text"
	default:
		return "Unknown"
	}
}

func (b *Bot) channelPermissions(channelID string) (int64, error) {
	user := b.session.State.User
	if user == nil {
		return 0, errors.New("session user unavailable")
	}
	perms, err := b.session.UserChannelPermissions(user.ID, channelID)
	if err != nil {
		return 0, fmt.Errorf("resolve permissions: %w", err)
	}
	return perms, nil
}

// requirePermissions verifies the required read/send permissions on the
// target scope, reporting failures to the command channel.
func (b *Bot) requirePermissions(replyChannelID, scope string) bool {
	perms, err := b.channelPermissions(scope)
	if err != nil {
		b.send(replyChannelID, fmt.Sprintf("Cannot check permissions for this channel: %v", err))
		return false
	}

	var missing []string
	for _, p := range requiredPermissions {
		if perms&p.bit == 0 {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		b.send(replyChannelID, "Missing required permissions: "+strings.Join(missing, ", "))
		return false
	}
	return true
}

func (b *Bot) forumThreads(ctx context.Context, forum *discordgo.Channel) ([]*discordgo.Channel, error) {
	var threads []*discordgo.Channel

	active, err := b.session.GuildThreadsActive(forum.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch active posts: %w", err)
	}
	for _, th := range active.Threads {
		if th.ParentID == forum.ID {
			threads = append(threads, th)
		}
	}
	activeCount := len(threads)

	archived, err := b.session.ThreadsArchived(forum.ID, nil, 0, discordgo.WithContext(ctx))
	if err != nil {
		b.logger.Warn("Failed to fetch archived posts, continuing with active only", "error", err)
	} else {
		threads = append(threads, archived.Threads...)
	}

	b.logger.Info("Forum posts enumerated",
		"forum_id", forum.ID,
		"active", activeCount,
		"archived", len(threads)-activeCount)
	return threads, nil
}

func (b *Bot) uploadReport(channelID, path string) {
	f, err := os.Open(path)
	if err != nil {
		b.logger.Warn("Failed to open report for upload", "path", path, "error", err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			b.logger.Warn("Failed to close report file", "error", closeErr)
		}
	}()

	if _, err := b.session.ChannelFileSend(channelID, filepath.Base(path), f); err != nil {
		b.logger.Warn("Failed to upload report", "path", path, "error", err)
	}
}

func (b *Bot) send(channelID, content string) *discordgo.Message {
	msg, err := b.session.ChannelMessageSend(channelID, content)
	if err != nil {
		b.logger.Warn("Failed to send message", "channel_id", channelID, "error", err)
		return nil
	}
	return msg
}
