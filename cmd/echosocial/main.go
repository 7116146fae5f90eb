package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/echosocial/internal/apperr"
	"github.com/lalith-99/echosocial/internal/auth"
	"github.com/lalith-99/echosocial/internal/cache"
	"github.com/lalith-99/echosocial/internal/chat"
	"github.com/lalith-99/echosocial/internal/config"
	"github.com/lalith-99/echosocial/internal/db"
	"github.com/lalith-99/echosocial/internal/docstore/pgstore"
	"github.com/lalith-99/echosocial/internal/engagement"
	"github.com/lalith-99/echosocial/internal/group"
	"github.com/lalith-99/echosocial/internal/models"
	"github.com/lalith-99/echosocial/internal/notify"
	"github.com/lalith-99/echosocial/internal/observ"
	"github.com/lalith-99/echosocial/internal/profiles"
	"github.com/lalith-99/echosocial/internal/ratelimit"
	"github.com/lalith-99/echosocial/internal/rules"
	"github.com/lalith-99/echosocial/internal/session"
	"github.com/lalith-99/echosocial/internal/social"
)

const usage = `usage: echosocial [-token TOKEN] <command> [args]

commands:
  token <user-id>                 print a development session token
  send <user-id> <text>           send a direct message
  messages <user-id>              print the latest messages with a user
  seen <user-id>                  mark a conversation as seen
  inbox                           print the inbox
  watch                           stream inbox and notification updates
  reconcile <user-id>             repair inbox entries of a conversation
  follow <user-id>                follow or request to follow
  unfollow <user-id>
  accept <user-id>                accept a follow request
  reject <user-id>                reject a follow request
  post <caption>
  like <post-id>
  unlike <post-id>
  comment <post-id> <text>
  notifications                   print notifications and mark them seen
  group-create <name> <user-id>...
  group-send <group-id> <text>
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config and parse the command line
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fs := flag.NewFlagSet("echosocial", flag.ContinueOnError)
	token := fs.String("token", cfg.SessionToken, "session token of the signed-in user")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	// token needs nothing but the secret.
	if args[0] == "token" {
		if len(args) != 2 {
			return errors.New("usage: token <user-id>")
		}
		t, err := auth.GenerateToken(args[1], "", cfg.JWTSecret, 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Println(t)
		return nil
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 3. Connect to Postgres and Redis
	// ---------------------------------------------------------------
	database, err := db.New(ctx, cfg.DatabaseURL, db.Options{MaxConns: int32(cfg.DBMaxConns)}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store := pgstore.New(database.Pool(), logger,
		pgstore.WithRules(rules.Default()...),
		pgstore.WithMaxBatchSize(cfg.BatchLimit),
	)

	var (
		inboxCache    chat.InboxCache
		sendLimiter   ratelimit.Limiter = ratelimit.Unlimited{}
		followLimiter ratelimit.Limiter = ratelimit.Unlimited{}
	)
	rdb, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		// The client works without Redis: no offline inbox and no limits.
		logger.Warn("redis unavailable, running without cache", zap.Error(err))
	} else {
		defer rdb.Close()
		inboxCache = cache.NewInboxCache(rdb, cfg.InboxCacheTTL)
		sendLimiter = ratelimit.NewRedisLimiter(rdb, "send", cfg.SendRateLimit, cfg.SendRateWindow)
		followLimiter = ratelimit.NewRedisLimiter(rdb, "follow", cfg.FollowRateLimit, cfg.FollowRateWindow)
	}

	// ---------------------------------------------------------------
	// 4. Wire components
	// ---------------------------------------------------------------
	directory := profiles.NewDirectory(store)
	notifications := notify.NewAggregator(store, logger)
	projector := chat.NewProjector(store, directory, logger, cfg.ProjectionRetries)
	svc := session.Services{
		Store:     store,
		Projector: projector,
		Messages: chat.NewMessageLog(store, projector, logger,
			chat.WithLimiter(sendLimiter),
			chat.WithWindow(cfg.MessageWindow),
		),
		Groups:        group.NewManager(store, logger),
		Notifications: notifications,
		Social:        social.NewGraph(store, directory, notifications, logger, social.WithLimiter(followLimiter)),
		Engagement:    engagement.NewService(store, notifications, logger),
		Profiles:      directory,
		Cache:         inboxCache,
	}

	// ---------------------------------------------------------------
	// 5. Open the session and run the command
	// ---------------------------------------------------------------
	sess, err := session.NewManager(cfg.JWTSecret, svc, logger).Open(*token)
	if err != nil {
		return report(err)
	}

	cmdErr := dispatch(ctx, sess, cfg, args)
	if args[0] == "watch" {
		if err := sess.Logout(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("logout failed", zap.Error(err))
		}
	}
	return report(cmdErr)
}

// report prints the user-facing outcome of err and returns err so the
// process exits non-zero.
func report(err error) error {
	if err == nil {
		return nil
	}
	res := apperr.ResultOf(err)
	_ = printJSON(res)
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func need(args []string, n int, form string) error {
	if len(args) < n+1 {
		return fmt.Errorf("usage: %s %s", args[0], form)
	}
	return nil
}

func dispatch(ctx context.Context, s *session.Session, cfg *config.Config, args []string) error {
	svc := s.Services()
	me := s.UserID
	ctx = s.Context(ctx)

	switch args[0] {
	case "send":
		if err := need(args, 2, "<user-id> <text>"); err != nil {
			return err
		}
		id, err := s.Send(ctx, args[1], strings.Join(args[2:], " "))
		if id != "" {
			fmt.Println(id)
		}
		return err

	case "messages":
		if err := need(args, 1, "<user-id>"); err != nil {
			return err
		}
		msgs, err := svc.Messages.Before(ctx, chat.ConversationID(me, args[1]), time.Now().Add(time.Minute), cfg.MessageWindow)
		if err != nil {
			return err
		}
		return printJSON(msgs)

	case "seen":
		if err := need(args, 1, "<user-id>"); err != nil {
			return err
		}
		n, err := svc.Messages.MarkSeen(ctx, chat.ConversationID(me, args[1]), me)
		fmt.Printf("%d marked seen\n", n)
		return err

	case "inbox":
		entries, err := s.Inbox().Entries(ctx, me)
		if err != nil {
			return err
		}
		return printJSON(entries)

	case "watch":
		return watch(ctx, s)

	case "reconcile":
		if err := need(args, 1, "<user-id>"); err != nil {
			return err
		}
		return svc.Projector.Reconcile(ctx, chat.ConversationID(me, args[1]))

	case "follow":
		if err := need(args, 1, "<user-id>"); err != nil {
			return err
		}
		status, err := svc.Social.FollowUser(ctx, me, args[1])
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil

	case "unfollow":
		if err := need(args, 1, "<user-id>"); err != nil {
			return err
		}
		return svc.Social.UnfollowUser(ctx, me, args[1])

	case "accept":
		if err := need(args, 1, "<user-id>"); err != nil {
			return err
		}
		return svc.Social.AcceptFollowRequest(ctx, me, args[1])

	case "reject":
		if err := need(args, 1, "<user-id>"); err != nil {
			return err
		}
		return svc.Social.RejectFollowRequest(ctx, me, args[1])

	case "post":
		if err := need(args, 1, "<caption>"); err != nil {
			return err
		}
		id, err := svc.Engagement.CreatePost(ctx, me, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "like", "unlike":
		if err := need(args, 1, "<post-id>"); err != nil {
			return err
		}
		toggle := svc.Engagement.LikePost
		if args[0] == "unlike" {
			toggle = svc.Engagement.UnlikePost
		}
		changed, err := toggle(ctx, me, args[1])
		if err != nil {
			return err
		}
		if !changed {
			fmt.Println("unchanged")
		}
		return nil

	case "comment":
		if err := need(args, 2, "<post-id> <text>"); err != nil {
			return err
		}
		id, err := svc.Engagement.AddComment(ctx, me, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "notifications":
		list, err := svc.Notifications.List(ctx, me, notify.DefaultLimit)
		if err != nil {
			return err
		}
		if err := printJSON(list); err != nil {
			return err
		}
		_, err = svc.Notifications.MarkAllSeen(ctx, me)
		return err

	case "group-create":
		if err := need(args, 2, "<name> <user-id>..."); err != nil {
			return err
		}
		id, err := svc.Groups.CreateGroup(ctx, group.CreateRequest{
			Name:      args[1],
			Members:   args[2:],
			CreatorID: me,
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "group-send":
		if err := need(args, 2, "<group-id> <text>"); err != nil {
			return err
		}
		id, err := svc.Groups.SendGroupMessage(ctx, group.MessageRequest{
			GroupID:  args[1],
			SenderID: me,
			Text:     strings.Join(args[2:], " "),
		})
		if id != "" {
			fmt.Println(id)
		}
		return err
	}

	return fmt.Errorf("unknown command %q", args[0])
}

// watch streams inbox and notification updates until ctx is cancelled.
func watch(ctx context.Context, s *session.Session) error {
	if _, err := s.SubscribeInbox(ctx, func(snap chat.InboxSnapshot, err error) {
		if err != nil {
			_ = printJSON(apperr.ResultOf(err))
			return
		}
		source := "live"
		if snap.FromCache {
			source = "cache"
		}
		fmt.Printf("inbox (%s): %d conversations, %d unread\n", source, len(snap.Entries), snap.Unread)
		for _, e := range snap.Entries {
			fmt.Printf("  %-20s %s\n", e.OtherName, e.LastMessage)
		}
	}); err != nil {
		return err
	}

	if _, err := s.SubscribeNotifications(notify.DefaultLimit, func(list []models.Notification, err error) {
		if err != nil {
			_ = printJSON(apperr.ResultOf(err))
			return
		}
		unseen := 0
		for _, n := range list {
			if !n.Seen {
				unseen++
			}
		}
		fmt.Printf("notifications: %d unseen\n", unseen)
	}); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
