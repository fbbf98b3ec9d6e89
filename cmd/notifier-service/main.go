package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labcontrol-io/platform/pkg/appointments"
	"github.com/labcontrol-io/platform/pkg/common/config"
	"github.com/labcontrol-io/platform/pkg/common/database"
	"github.com/labcontrol-io/platform/pkg/common/kafka"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/identity"
	"github.com/labcontrol-io/platform/pkg/notifications"
)

func main() {
	logger.Init("notifier-service")
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	userRepo := identity.NewRepository(db)
	notificationRepo := notifications.NewRepository(db)
	appointmentRepo := appointments.NewRepository(db)

	templates := notifications.DefaultTemplates()
	if cfg.EmailTemplatePath != "" {
		templates, err = notifications.LoadTemplates(cfg.EmailTemplatePath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load notification templates")
		}
	}

	smtpPort, err := strconv.Atoi(cfg.SMTPPort)
	if err != nil {
		logger.Log.WithError(err).WithField("smtp_port", cfg.SMTPPort).Fatal("invalid SMTP port")
	}
	mailer := notifications.NewSMTPMailer(cfg.SMTPHost, smtpPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFromAddress)
	worker := notifications.NewWorker(mailer, notificationRepo, templates, cfg.EmailMaxAttempts, cfg.EmailRetryBackoff)

	producer := kafka.NewProducer(cfg.EmailJobsTopic)
	defer producer.Close()
	notifier := notifications.NewService(notificationRepo, userRepo, producer, templates)
	appointmentSvc := appointments.NewService(appointmentRepo, userRepo, notifier, nil)

	consumer := kafka.NewConsumer(cfg.EmailJobsTopic, cfg.KafkaGroupID)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"topic":    cfg.EmailJobsTopic,
			"group_id": cfg.KafkaGroupID,
		}).Info("Notifier service started")

		if err := consumer.Consume(ctx, worker.Handle); err != nil && err != context.Canceled {
			logger.Log.WithError(err).Error("email consumer stopped")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.ReminderInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := appointmentSvc.SendReminders(ctx, cfg.ReminderLeadTime)
				if err != nil {
					logger.Log.WithError(err).Warn("reminder sweep failed")
					continue
				}
				if sent > 0 {
					logger.Log.WithField("count", sent).Info("appointment reminders dispatched")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				purged, err := notifier.Cleanup(ctx, cfg.NotificationRetention)
				if err != nil {
					logger.Log.WithError(err).Warn("notification cleanup failed")
					continue
				}
				if purged > 0 {
					logger.Log.WithField("count", purged).Info("old notifications purged")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down notifier service...")
	cancel()

	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres connection")
	}

	logger.Log.Info("Notifier service stopped")
}
