// streamwatch subscribes to order books and trades on a canonical-dialect
// websocket endpoint and logs top-of-book on every update. It is the smoke
// binary for the stream client; exchange adapters supply their own dialect
// translators in place of the default one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/masonbcnt/ccxt/config"
	"github.com/masonbcnt/ccxt/internal/book"
	"github.com/masonbcnt/ccxt/logger"
	"github.com/masonbcnt/ccxt/stream"
)

type subscribeRequest struct {
	Op      string `json:"op"`
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

func subscribeFrame(channel, symbol string) []byte {
	raw, _ := json.Marshal(subscribeRequest{
		Op:      "subscribe",
		ID:      uuid.NewString(),
		Channel: channel,
		Symbol:  symbol,
	})
	return raw
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	symbolsFlag := flag.String("symbols", "BTC/USD", "Comma-separated symbols to watch")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Client.Name,
		"version": cfg.Client.Version,
	}).Info("starting streamwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	symbols := strings.Split(*symbolsFlag, ",")
	if len(symbols) > cfg.Watch.MaxSymbolsPerRequest {
		log.WithFields(logger.Fields{
			"symbols": len(symbols),
			"max":     cfg.Watch.MaxSymbolsPerRequest,
		}).Error("too many symbols for one session")
		os.Exit(1)
	}

	client := stream.New(cfg, log)
	defer client.Close()

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}

		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			slog := log.WithComponent("books").WithFields(logger.Fields{"symbol": symbol})
			request := subscribeFrame("books", symbol)
			for ctx.Err() == nil {
				value, err := client.Watch(ctx, cfg.Connection.PublicURL, "orderbook::"+symbol,
					request, "books:"+symbol, stream.WithSymbols(symbol), stream.WithDepth(cfg.Book.Depth))
				if err != nil {
					slog.WithError(err).Warn("orderbook watch failed")
					continue
				}
				b, ok := value.(*book.Book)
				if !ok {
					continue
				}
				bid, _ := b.Best(true)
				ask, _ := b.Best(false)
				slog.WithFields(logger.Fields{
					"bid":       bid.Price.String(),
					"ask":       ask.Price.String(),
					"timestamp": b.Timestamp(),
				}).Info("top of book")
				request = nil
			}
		}(symbol)

		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			slog := log.WithComponent("trades").WithFields(logger.Fields{"symbol": symbol})
			request := subscribeFrame("trades", symbol)
			for ctx.Err() == nil {
				_, err := client.Watch(ctx, cfg.Connection.PublicURL, "trades::"+symbol,
					request, "trades:"+symbol, stream.WithSymbols(symbol))
				if err != nil {
					slog.WithError(err).Warn("trades watch failed")
					continue
				}
				tape := client.Trades(symbol, 1)
				if len(tape) > 0 {
					last := tape[0]
					slog.WithFields(logger.Fields{
						"price":  last.Price.String(),
						"amount": last.Amount.String(),
						"side":   last.Side,
					}).Info("trade")
				}
				request = nil
			}
		}(symbol)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	cancel()
	client.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(10 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("streamwatch stopped")
}
