package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"quoterefresh/internal/config"
	"quoterefresh/internal/httpx"
	"quoterefresh/internal/quote"
	"quoterefresh/internal/quoteapi"
)

func main() {
	_ = godotenv.Load()

	var configPath, symbolsCSV, chart, timespan, recent, register string
	var timeout int
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.yaml or config.json (optional)")
	flag.StringVar(&symbolsCSV, "symbols", os.Getenv("QUOTE_SYMBOLS"), "comma-separated symbols")
	flag.StringVar(&chart, "chart", "", "print chart markup of this kind (e.g. line) for the first symbol")
	flag.StringVar(&timespan, "timespan", "1d", "chart timespan")
	flag.StringVar(&recent, "recent", "", "apply a recents action, as action:SYMBOL (add, remove, lock, unlock)")
	flag.StringVar(&register, "register", "", "post an identity token to /tokensignin, as provider:token (google, facebook, amazon)")
	flag.IntVar(&timeout, "timeout", 0, "request timeout seconds (default from config)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if timeout > 0 {
		cfg.Server.RequestTimeoutSec = timeout
	}

	httpClient := httpx.New(cfg.Server.RequestTimeout())
	httpClient.UserAgent = cfg.API.UserAgent
	api, err := quoteapi.New(cfg.API.BaseURL, quoteapi.WithHTTPClient(httpClient))
	if err != nil {
		log.Fatalf("quote api: %v", err)
	}

	symbols := cfg.Refresh.Symbols
	if symbolsCSV != "" {
		symbols = quote.SplitCSV(symbolsCSV)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout()+5*time.Second)
	defer cancel()

	switch {
	case register != "":
		provider, token, ok := strings.Cut(register, ":")
		if !ok {
			log.Fatal("-register wants provider:token")
		}
		if err := api.RegisterIDToken(ctx, provider, token); err != nil {
			log.Fatalf("register: %v", err)
		}
		log.Printf("registered %s token", provider)
	case recent != "":
		name, symbol, ok := strings.Cut(recent, ":")
		if !ok {
			log.Fatal("-recent wants action:SYMBOL")
		}
		action, err := quoteapi.ParseRecentsAction(name)
		if err != nil {
			log.Fatal(err)
		}
		if err := api.Recents(ctx, action, symbol); err != nil {
			log.Fatalf("recents: %v", err)
		}
		log.Printf("recents %s %s ok", action, symbol)
	case chart != "":
		if len(symbols) == 0 {
			log.Fatal("no symbols provided")
		}
		html, err := api.Chart(ctx, quoteapi.ChartRequest{
			Chart:    chart,
			Symbol:   symbols[0],
			Timespan: timespan,
			Nonce:    cfg.API.Nonce,
		})
		if err != nil {
			log.Fatalf("chart: %v", err)
		}
		fmt.Println(html)
	default:
		if len(symbols) == 0 {
			log.Fatal("no symbols provided")
		}
		snap, err := api.Fetch(ctx, symbols)
		if err != nil {
			log.Fatalf("fetch (%s): %v", quote.Classify(err), err)
		}
		b, _ := json.MarshalIndent(snapshotJSON(snap), "", "  ")
		fmt.Println(string(b))
	}
}

type snapshotOut struct {
	MarketOpen *bool             `json:"marketOpen,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
	Fields     map[string]string `json:"fields"`
}

// snapshotJSON flattens field keys to their element ids; encoding/json sorts
// the map keys.
func snapshotJSON(s quote.Snapshot) snapshotOut {
	out := snapshotOut{MarketOpen: s.MarketOpen, ReceivedAt: s.ReceivedAt, Fields: make(map[string]string, len(s.Fields))}
	for _, k := range s.Keys() {
		out.Fields[k.Target+"_"+k.Field] = s.Fields[k]
	}
	return out
}
