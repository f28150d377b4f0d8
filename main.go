package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/feed"
	"boardsync/gateway"
	"boardsync/push"
	"boardsync/store"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	logger.SetLevel(log.GetLevel())

	apiURL := os.Getenv("BOARD_API_URL")
	if apiURL == "" {
		logger.Fatal("missing BOARD_API_URL")
	}
	userID := envString("BOARD_USER_ID", "")
	if userID == "" {
		logger.Fatal("missing BOARD_USER_ID")
	}
	userName := envString("BOARD_USER_NAME", userID)
	room := envString("BOARD_ROOM", "1")

	st := store.New(logger,
		store.WithGraceWindow(envDur("TOMBSTONE_GRACE", store.DefaultGraceWindow)),
		store.WithFingerprintTolerance(envDur("FINGERPRINT_TOLERANCE", store.DefaultFingerprintTolerance)),
	)
	gw := gateway.New(apiURL, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ch *push.RedisChannel
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(redisOptions(redisConn))
		ch = push.NewRedisChannel(rc, room, logger)
	} else {
		logger.Warn("no redis configured, running without live fan-out")
	}

	boardEngine := board.New(st, gw, userID, logger)
	boardEngine.OnError(func(err error) {
		logger.WithField("error", err).Warn("board change not synced")
	})

	var channel feed.Channel
	if ch != nil {
		channel = ch
	}
	feedEngine := feed.New(st, gw, channel, userID, userName, room, feed.Config{
		PageSize:     envInt("HISTORY_PAGE_SIZE", 100),
		RetryInitial: envDur("SEND_RETRY_INITIAL", 0),
		RetryMax:     envDur("SEND_RETRY_MAX", 0),
		MaxAttempts:  envInt("SEND_RETRY_CEILING", 0),
		QueueCap:     envInt("SEND_QUEUE_CAP", 0),
	}, logger)
	feedEngine.OnError(func(err error) {
		logger.WithField("error", err).Warn("message not synced")
	})

	if ch != nil {
		ch.OnEvent(feedEngine.OnPushEvent)
		ch.OnStatus(feedEngine.ChannelStatus)
		go ch.Run(ctx)
	}
	go feedEngine.Run(ctx)

	st.Subscribe(func() {
		cols := st.Columns()
		logger.WithFields(log.Fields{
			"todo":     len(cols[domain.StatusTodo]),
			"doing":    len(cols[domain.StatusDoing]),
			"done":     len(cols[domain.StatusDone]),
			"messages": len(st.Messages()),
		}).Debug("state changed")
	})

	if err := boardEngine.LoadBoard(ctx); err != nil {
		logger.WithField("error", err).Fatal("initial board load failed")
	}
	if err := feedEngine.LoadHistory(ctx); err != nil {
		logger.WithField("error", err).Fatal("initial history load failed")
	}
	logger.WithFields(log.Fields{"room": room, "user": userID}).Info("boardsync ready")

	<-ctx.Done()
	boardEngine.Wait()
	feedEngine.Wait()
}
