package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bulkmail/backend/internal/config"
	"bulkmail/backend/internal/logger"
	"bulkmail/backend/internal/smtp"
)

type capturedSummary struct {
	From        string    `json:"from"`
	Recipients  []string  `json:"recipients"`
	Username    string    `json:"username,omitempty"`
	Subject     string    `json:"subject"`
	Text        string    `json:"text,omitempty"`
	HTML        string    `json:"html,omitempty"`
	Attachments int       `json:"attachments"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// main 开发用 SMTP 捕获服务器：接收群发邮件但不投递，可通过 HTTP 查看
func main() {
	httpAddr := flag.String("http", ":8025", "查看捕获邮件的 HTTP 地址，留空不启用")
	flag.Parse()

	cfg, err := config.LoadSink()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Log.Logger())
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	opts := []smtp.BackendOption{
		smtp.WithLimiter(smtp.NewConnectionLimiter(cfg.Sink.MaxConns, int(cfg.Sink.MaxRate))),
		smtp.WithLogger(log.Named("sink")),
	}
	if cfg.Sink.Username != "" {
		opts = append(opts, smtp.WithCredentials(map[string]string{cfg.Sink.Username: cfg.Sink.Password}))
	}
	backend := smtp.NewBackend(opts...)
	smtpServer := smtp.NewServer(cfg.Sink.Addr, cfg.Sink.Domain, backend)

	var httpServer *http.Server
	if *httpAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		router.GET("/messages", func(c *gin.Context) {
			c.JSON(http.StatusOK, summarize(backend.Messages()))
		})
		router.DELETE("/messages", func(c *gin.Context) {
			backend.Reset()
			c.Status(http.StatusNoContent)
		})
		httpServer = &http.Server{
			Addr:              *httpAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting SMTP sink",
			zap.String("address", cfg.Sink.Addr),
			zap.String("domain", cfg.Sink.Domain),
			zap.Bool("auth", cfg.Sink.Username != ""),
		)
		if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			return err
		}
		return nil
	})

	if httpServer != nil {
		group.Go(func() error {
			log.Info("starting HTTP viewer", zap.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down SMTP sink", zap.Int("captured", backend.Len()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("HTTP viewer shutdown error", zap.Error(err))
			}
		}
		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("SMTP sink shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatal("sink error", zap.Error(err))
	}
}

func summarize(msgs []*smtp.CapturedMessage) []capturedSummary {
	out := make([]capturedSummary, 0, len(msgs))
	for _, m := range msgs {
		s := capturedSummary{
			From:       m.From,
			Recipients: m.Recipients,
			Username:   m.Username,
			ReceivedAt: m.ReceivedAt,
		}
		if m.Parsed != nil {
			s.Subject = m.Parsed.Subject
			s.Text = m.Parsed.Text
			s.HTML = m.Parsed.HTML
			s.Attachments = len(m.Parsed.Attachments)
		}
		out = append(out, s)
	}
	return out
}
