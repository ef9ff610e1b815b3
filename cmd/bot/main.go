package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"options-breakout-bot-go/internal/bot"
	"options-breakout-bot-go/internal/broker"
	"options-breakout-bot-go/internal/config"
	"options-breakout-bot-go/internal/eod"
	"options-breakout-bot-go/internal/feed"
	"options-breakout-bot-go/internal/journal"
	"options-breakout-bot-go/internal/lifecycle"
	"options-breakout-bot-go/internal/logger"
	"options-breakout-bot-go/internal/metrics"
	"options-breakout-bot-go/internal/models"
	"options-breakout-bot-go/internal/strike"
	"options-breakout-bot-go/internal/trigger"

	"github.com/joho/godotenv"
)

func main() {
	envFile := flag.String("env", ".env", "path to the env file")
	modeFlag := flag.String("mode", "", "override MODE: DUMMY or LIVE")
	bars := flag.Int("bars", 240, "dummy feed length in bars")
	seed := flag.Int64("seed", 0, "dummy feed seed, 0 means time-based")
	basePrice := flag.Float64("base-price", 400, "dummy feed starting price")
	flag.Parse()

	// A default logger first, so env and config loading can already log.
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(*envFile); err != nil {
		logger.S().Info("no env file found, reading from the process environment")
	} else {
		logger.S().Infof("environment loaded from %s", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.S().Fatalf("configuration invalid: %v", err)
	}
	if *modeFlag != "" {
		cfg.Mode = *modeFlag
	}

	logger.InitLogger(cfg.Log)
	defer logger.S().Sync()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.S().Fatalf("unknown time zone %q: %v", cfg.Timezone, err)
	}

	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr, logger.S())
		logger.S().Infof("metrics available at http://%s/metrics", cfg.MetricsAddr)
	}

	jnl := journal.Journal(journal.Nop{})
	if cfg.JournalPath != "" {
		bj, err := journal.NewBadgerJournal(cfg.JournalPath)
		if err != nil {
			logger.S().Fatalf("cannot open journal at %s: %v", cfg.JournalPath, err)
		}
		defer bj.Close()
		jnl = bj
	}

	var (
		barFeed feed.BarFeed
		venue   broker.Broker
	)
	switch cfg.Mode {
	case "DUMMY":
		if *seed == 0 {
			*seed = time.Now().UnixNano()
		}
		barFeed = feed.NewDummyFeed(*basePrice, *bars, 0, *seed)
		venue = broker.NewDummyBroker(50*time.Millisecond, logger.S())
	case "LIVE":
		apiKey := os.Getenv("BROKER_API_KEY")
		secretKey := os.Getenv("BROKER_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			logger.S().Fatal("LIVE mode requires BROKER_API_KEY and BROKER_SECRET_KEY")
		}
		baseURL := fmt.Sprintf("http://%s:%d", cfg.BrokerHost, cfg.BrokerPort)
		wsURL := fmt.Sprintf("ws://%s:%d", cfg.BrokerHost, cfg.BrokerPort)
		live, err := broker.NewLiveBroker(apiKey, secretKey, baseURL, wsURL, cfg.BrokerClientID, logger.S())
		if err != nil {
			logger.S().Fatalf("cannot connect to broker: %v", err)
		}
		venue = live
		barFeed = feed.NewLiveFeed(wsURL, cfg.Symbol, logger.S())
	default:
		logger.S().Fatalf("unknown mode %q, expected DUMMY or LIVE", cfg.Mode)
	}
	defer venue.Close()
	defer barFeed.Close()

	detector := trigger.NewDetector(cfg.LookbackBars, cfg.MinWarmupBars, cfg.BreakoutThreshold)
	selector := strike.NewSelector(cfg.StrikeStep, cfg.OTMThreshold, cfg.ExpDaysAhead, loc)
	manager := lifecycle.NewManager(cfg, selector, venue, jnl, logger.S())
	supervisor, err := eod.NewSupervisor(cfg, venue, manager, loc, logger.S())
	if err != nil {
		logger.S().Fatalf("invalid EOD_TIME %q: %v", cfg.EodTime, err)
	}

	session := bot.New(cfg, barFeed, venue, detector, manager, supervisor, logger.S())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.S().Infof("received %s, shutting down", sig)
		session.Stop()
	}()

	if err := session.Run(); err != nil {
		logger.S().Errorf("session ended with error: %v", err)
		os.Exit(1)
	}
}
