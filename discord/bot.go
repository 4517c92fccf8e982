package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"repost-radar/fingerprint"
	"repost-radar/pkg/dedup"
	"repost-radar/store"
)

// Embed colors for duplicate alerts.
const (
	colorStolen  = 0xFF0000
	colorSelf    = 0xFFA500
	colorSuccess = 0x00FF00
	colorError   = 0xFF0000
)

// Config holds bot wiring.
type Config struct {
	Token           string
	Store           *store.Store
	Hasher          *fingerprint.Hasher
	Logger          *slog.Logger
	TrackedChannels []string
	ReportDir       string
	GCHint          func() // optional, forwarded to traversals
}

// Bot owns the Discord session, routes commands, and watches tracked
// channels for new images.
type Bot struct {
	session   *discordgo.Session
	store     *store.Store
	hasher    *fingerprint.Hasher
	logger    *slog.Logger
	reportDir string
	gcHint    func()
	tracked   map[string]bool

	runCtx context.Context

	mu       sync.Mutex
	tables   map[string]*store.Table       // live watcher tables by channel
	channels map[string]*discordgo.Channel // channel metadata cache
	locks    map[string]*sync.Mutex        // per-scope single-writer locks
	busy     map[string]bool               // scopes with an active bulk scan
}

// New creates the bot and its Discord session without connecting.
func New(cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	tracked := make(map[string]bool, len(cfg.TrackedChannels))
	for _, id := range cfg.TrackedChannels {
		if id = strings.TrimSpace(id); id != "" {
			tracked[id] = true
		}
	}

	b := &Bot{
		session:   session,
		store:     cfg.Store,
		hasher:    cfg.Hasher,
		logger:    cfg.Logger,
		reportDir: cfg.ReportDir,
		gcHint:    cfg.GCHint,
		tracked:   tracked,
		tables:    make(map[string]*store.Table),
		channels:  make(map[string]*discordgo.Channel),
		locks:     make(map[string]*sync.Mutex),
		busy:      make(map[string]bool),
	}

	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	return b, nil
}

// Start connects to the gateway and blocks until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	b.runCtx = ctx

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	b.logger.Info("Gateway connected", "tracked_channels", len(b.tracked))

	<-ctx.Done()

	if err := b.session.Close(); err != nil {
		b.logger.Warn("Failed to close gateway session", "error", err)
	}
	return nil
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("Bot is ready", "username", r.User.Username, "user_id", r.User.ID)
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	if strings.HasPrefix(m.Content, "!") {
		b.handleCommand(m)
		return
	}

	if b.tracked[m.ChannelID] {
		b.processLive(m)
	}
}

// processLive fingerprints a freshly posted message's attachments and
// answers duplicates in place.
func (b *Bot) processLive(m *discordgo.MessageCreate) {
	ctx := b.runCtx

	channel, err := b.channelInfo(ctx, m.ChannelID)
	if err != nil {
		b.logger.Warn("Failed to resolve tracked channel", "channel_id", m.ChannelID, "error", err)
		return
	}

	rec := record(m.Message, channel.GuildID, "channel-"+channel.Name)

	eligible := 0
	for _, att := range rec.Attachments {
		if fingerprint.Eligible(att) {
			eligible++
		}
	}
	if eligible == 0 {
		return
	}

	// Single-writer invariant: one mutator per scope at a time.
	lock := b.scopeLock(m.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	table, err := b.liveTable(ctx, m.ChannelID)
	if err != nil {
		b.logger.Error("Failed to load live table", "channel_id", m.ChannelID, "error", err)
		return
	}

	for _, att := range rec.Attachments {
		if !fingerprint.Eligible(att) {
			continue
		}

		fp, err := b.hasher.Fingerprint(ctx, att.URL)
		if err != nil {
			b.logger.Warn("Live fingerprint failed, skipping attachment",
				"message_id", m.ID, "url", att.URL, "error", err)
			continue
		}

		role, entry := table.Upsert(fp, rec)
		if role != dedup.Duplicate {
			b.logger.Debug("New image recorded from live message", "message_id", m.ID, "fingerprint", fp)
			continue
		}

		kind := dedup.Classify(entry.Owner, rec)
		b.logger.Info("Live duplicate found",
			"fingerprint", fp,
			"owner_message_id", entry.Owner.ID,
			"candidate_message_id", m.ID,
			"kind", kind.String())
		b.sendDuplicateAlert(m, entry.Owner, kind)
	}

	// The live watcher's flush boundary is the message.
	if table.Dirty() {
		if err := b.store.Save(ctx, table); err != nil {
			b.logger.Error("Failed to save live table", "channel_id", m.ChannelID, "error", err)
		}
	}
}

func (b *Bot) sendDuplicateAlert(m *discordgo.MessageCreate, owner dedup.Message, kind dedup.Classification) {
	title := "DUPE"
	color := colorStolen
	if kind == dedup.SelfRepost {
		title = "SELF-REPOST"
		color = colorSelf
	}

	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: fmt.Sprintf("[Original message](%s)", owner.Permalink),
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	_, err := b.session.ChannelMessageSendComplex(m.ChannelID, &discordgo.MessageSend{
		Embeds:    []*discordgo.MessageEmbed{embed},
		Reference: m.Reference(),
	})
	if err != nil {
		b.logger.Warn("Failed to send duplicate alert", "message_id", m.ID, "error", err)
	}
}

// liveTable returns the in-memory table for a tracked channel, loading its
// snapshot on first use.
func (b *Bot) liveTable(ctx context.Context, channelID string) (*store.Table, error) {
	b.mu.Lock()
	table, ok := b.tables[channelID]
	b.mu.Unlock()
	if ok {
		return table, nil
	}

	table, err := b.store.Load(ctx, channelID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if existing, ok := b.tables[channelID]; ok {
		table = existing
	} else {
		b.tables[channelID] = table
	}
	b.mu.Unlock()
	return table, nil
}

// invalidateLiveTable drops the cached live-watcher table for a scope so the
// next live message reloads the snapshot. Called after a bulk scan rewrites
// it; the caller must hold the scope lock.
func (b *Bot) invalidateLiveTable(scope string) {
	b.mu.Lock()
	delete(b.tables, scope)
	b.mu.Unlock()
}

// channelInfo fetches and caches channel metadata.
func (b *Bot) channelInfo(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	b.mu.Lock()
	channel, ok := b.channels[channelID]
	b.mu.Unlock()
	if ok {
		return channel, nil
	}

	channel, err := b.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch channel: %w", err)
	}

	b.mu.Lock()
	b.channels[channelID] = channel
	b.mu.Unlock()
	return channel, nil
}

func (b *Bot) scopeLock(scope string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[scope]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[scope] = lock
	}
	return lock
}

// acquireScope marks a scope as having an active bulk scan. Returns false
// when one is already running; concurrent traversals over one scope are
// disallowed.
func (b *Bot) acquireScope(scope string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy[scope] {
		return false
	}
	b.busy[scope] = true
	return true
}

func (b *Bot) releaseScope(scope string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.busy, scope)
}
