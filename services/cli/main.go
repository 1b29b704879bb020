package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/backend/memory"
	"github.com/tribechat/internal/backend/postgres"
	"github.com/tribechat/internal/backend/realtime"
	"github.com/tribechat/internal/backend/rest"
	"github.com/tribechat/internal/cache"
	cachememory "github.com/tribechat/internal/cache/memory"
	"github.com/tribechat/internal/config"
	"github.com/tribechat/internal/logger"
	"github.com/tribechat/internal/model"
	"github.com/tribechat/internal/startup"
	"github.com/tribechat/internal/stream"
)

func main() {
	logger.SetPrefix("cli")
	user := flag.String("user", "", "acting user id")
	direct := flag.String("direct", "", "open a 1:1 conversation by id")
	tribe := flag.String("tribe", "", "open a tribe channel: tribe id")
	channel := flag.String("channel", "general", "tribe channel id")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: cli -user <id> (-direct <conversation> | -tribe <tribe> [-channel <channel>])")
		os.Exit(2)
	}

	var key model.ConversationKey
	var policy stream.Policy
	switch {
	case *direct != "":
		key = model.DirectKey(*direct)
		policy = stream.DirectPolicy()
	case *tribe != "":
		key = model.TribeKey(*tribe, *channel)
		policy = stream.TribePolicy()
	default:
		fmt.Fprintln(os.Stderr, "specify -direct or -tribe")
		os.Exit(2)
	}

	cfg := config.Load()

	store, feed, cleanup, err := buildBackend(cfg)
	if err != nil {
		logger.Errorf("backend: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	pages := buildCache(cfg)
	defer pages.Close()

	var renderMu sync.Mutex
	var view []model.Message
	render := func(msgs []model.Message) {
		renderMu.Lock()
		defer renderMu.Unlock()
		view = msgs
		fmt.Println("----", key.Topic(), "----")
		for i, m := range msgs {
			line := fmt.Sprintf("%3d  %s  %s: %s", i, m.CreatedAt.Local().Format("15:04:05"), m.SenderID, formatMessage(m))
			fmt.Println(line)
		}
		fmt.Print("> ")
	}

	session := stream.NewSession(stream.Config{
		Key:      key,
		UserID:   *user,
		PageSize: cfg.PageSize,
		Policy:   policy,
	}, store, feed, pages, render)
	defer session.Close()

	openCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	if err := session.Open(openCtx); err != nil {
		cancel()
		logger.Errorf("open conversation: %v", err)
		os.Exit(1)
	}
	cancel()

	fmt.Println("commands: /react <n> <emoji>, /delete <n>, /reply <n> <text>, /older, /quit")
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if line == "/quit" {
			return
		}
		runCommand(session, line, &renderMu, &view, cfg.RequestTimeout)
		fmt.Print("> ")
	}
}

func runCommand(session *stream.Session, line string, renderMu *sync.Mutex, view *[]model.Message, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	messageAt := func(arg string) (string, bool) {
		n, err := strconv.Atoi(arg)
		renderMu.Lock()
		defer renderMu.Unlock()
		if err != nil || n < 0 || n >= len(*view) {
			fmt.Println("no such message")
			return "", false
		}
		return (*view)[n].ID, true
	}

	switch {
	case strings.HasPrefix(line, "/react "):
		parts := strings.Fields(line)
		if len(parts) != 3 {
			fmt.Println("usage: /react <n> <emoji>")
			return
		}
		id, ok := messageAt(parts[1])
		if !ok {
			return
		}
		if err := session.React(ctx, id, parts[2]); err != nil {
			logger.Errorf("react: %v", err)
		}
	case strings.HasPrefix(line, "/delete "):
		parts := strings.Fields(line)
		if len(parts) != 2 {
			fmt.Println("usage: /delete <n>")
			return
		}
		id, ok := messageAt(parts[1])
		if !ok {
			return
		}
		if err := session.Delete(ctx, id); err != nil {
			logger.Errorf("delete: %v", err)
		}
	case strings.HasPrefix(line, "/reply "):
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			fmt.Println("usage: /reply <n> <text>")
			return
		}
		id, ok := messageAt(parts[1])
		if !ok {
			return
		}
		if err := session.Send(ctx, parts[2], "", &id); err != nil {
			logger.Errorf("send: %v", err)
		}
	case line == "/older":
		if err := session.LoadOlder(ctx); err != nil {
			logger.Errorf("load older: %v", err)
		}
	case strings.HasPrefix(line, "/"):
		fmt.Println("unknown command")
	default:
		if err := session.Send(ctx, line, "", nil); err != nil {
			logger.Errorf("send: %v", err)
		}
	}
}

func formatMessage(m model.Message) string {
	var b strings.Builder
	if m.IsDeleted {
		b.WriteString("(deleted")
		if m.DeletedBy != "" {
			b.WriteString(" by " + string(m.DeletedBy))
		}
		b.WriteString(")")
	} else {
		b.WriteString(m.DisplayContent())
		if url := m.DisplayMediaURL(); url != "" {
			b.WriteString(" [media: " + url + "]")
		}
	}
	if m.ReplyTo != nil {
		b.WriteString(fmt.Sprintf("  (reply to %s: %.24s)", m.ReplyTo.SenderID, m.ReplyTo.Content))
	}
	if m.State == model.DeliveryPending {
		b.WriteString("  …")
	}
	for emoji, count := range m.Reactions {
		b.WriteString(fmt.Sprintf("  %s%d", emoji, count))
	}
	return b.String()
}

// buildBackend wires the store and change feed for the configured mode.
func buildBackend(cfg *config.Config) (backend.Store, backend.Realtime, func(), error) {
	switch cfg.BackendMode {
	case config.ModeRest:
		store := rest.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.RequestTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		feed, err := realtime.Dial(ctx, cfg.WSURL, cfg.BackendToken)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, feed, func() { feed.Close() }, nil

	case config.ModePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse db config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		pool := startup.ConnectDBWithRetry(poolCfg, 30*time.Second, "cli: ")
		feed, err := postgres.NewFeed(context.Background(), pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		store := postgres.NewStore(pool)
		return store, feed, func() {
			feed.Close()
			pool.Close()
		}, nil

	case config.ModeMemory:
		mem := memory.New()
		return mem, mem, func() { mem.Close() }, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown backend mode %q", cfg.BackendMode)
}

func buildCache(cfg *config.Config) cache.PageCache {
	if cfg.RedisURL != "" {
		if c := startup.ConnectRedisWithRetry(cfg.RedisURL, cfg.CacheTTL(), 10*time.Second, "cli: "); c != nil {
			return c
		}
		logger.Error("redis unavailable, falling back to in-process cache")
	}
	return cachememory.New(cfg.CacheTTL())
}
