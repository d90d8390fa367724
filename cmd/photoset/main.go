package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mirelle/photoset/internal/admin"
	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/database"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/lumina"
	"github.com/mirelle/photoset/internal/metrics"
	"github.com/mirelle/photoset/internal/notify"
	"github.com/mirelle/photoset/internal/queue"
	"github.com/mirelle/photoset/internal/repository"
	"github.com/mirelle/photoset/internal/service"
	"github.com/mirelle/photoset/internal/storage"
	"github.com/mirelle/photoset/internal/watchdog"
	"github.com/mirelle/photoset/internal/worker"
	"github.com/mirelle/photoset/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()
	logr.Info("starting photoset", "config", cfg.String())

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	m := metrics.New()

	accountRepo := repository.NewAccountRepository(db)
	packRepo := repository.NewPackRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	takeRepo := repository.NewTakeRepository(db)
	favoriteRepo := repository.NewFavoriteRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	compRepo := repository.NewCompensationRepository(db)
	referralRepo := repository.NewReferralRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	creditLedger := ledger.New(ledgerRepo, logr, m)

	var q queue.Queue
	if cfg.NATSURL != "" {
		q, err = queue.NewJetStream(cfg.NATSURL, cfg.TaskAckWait, cfg.TaskMaxDeliver, cfg.WorkerConcurrency, logr)
		if err != nil {
			log.Fatalf("jetstream: %v", err)
		}
	} else {
		logr.Warn("NATS_URL not set, using in-process queue")
		q = queue.NewMemory(cfg.TaskMaxDeliver, cfg.WorkerConcurrency)
	}
	defer q.Close()

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.TelegramBotToken != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			log.Fatalf("telegram bot: %v", err)
		}
		notifier = notify.NewTelegram(botAPI, logr)
	}

	luminaClient := lumina.NewClient(cfg, logr)

	sessionService := service.NewSessionService(cfg, logr, accountRepo, packRepo, sessionRepo, takeRepo, creditLedger, q)
	referralService := service.NewReferralService(cfg, logr, accountRepo, referralRepo, creditLedger, m)
	paymentService := service.NewPaymentService(cfg, logr, packRepo, takeRepo, paymentRepo, sessionRepo, sessionService, referralService, creditLedger)
	compService := service.NewCompensationService(cfg, logr, accountRepo, favoriteRepo, compRepo, creditLedger, notifier, m)
	favoriteService := service.NewFavoriteService(cfg, logr, packRepo, sessionRepo, takeRepo, favoriteRepo, creditLedger, q)

	w := worker.New(cfg, logr, accountRepo, sessionRepo, takeRepo, favoriteRepo, creditLedger, luminaClient, uploader, compService, notifier, m)
	go func() {
		if err := w.Run(ctx, q); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("worker stopped", "err", err)
		}
	}()

	dog := watchdog.New(cfg, logr, favoriteRepo, sessionRepo, compService, m)
	go dog.Run(ctx)

	go settleReferrals(ctx, cfg.ReferralSettleInterval, referralService, logr)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr,
		packRepo, ledgerRepo, compRepo, referralRepo, paymentService, compService, referralService,
		accountRepo, sessionService, favoriteService)
	if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("admin server stopped", "err", err)
	}
}

func settleReferrals(ctx context.Context, interval time.Duration, referrals *service.ReferralService, logr *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := referrals.Settle(ctx, time.Now().UTC()); err != nil {
				logr.Error("referral settlement", "err", err)
			}
		}
	}
}
