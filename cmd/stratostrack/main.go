// Command stratostrack is a smoke-test client for the tracking collector:
// it drives the embedded tracker the way a page host would.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/stratosmedia/stratostrack/internal/config"
	"github.com/stratosmedia/stratostrack/internal/envelope"
	"github.com/stratosmedia/stratostrack/internal/track"
	"github.com/stratosmedia/stratostrack/internal/tracker"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `stratostrack CLI
Usage:
  stratostrack [-config file] [-collector URL -api-key KEY] [-url PAGE] <cmd> [args]

Commands:
  version
  consent        grant | revoke
  session                                      (print visitor/session ids)
  page-view
  property-view  -id <property> [-dwell 4s]
  article-view   -id <article> [-dwell 6s]
  search         -data <JSON criteria>
  favourite      -id <property> [-source page]
  favourites
`)
	os.Exit(2)
}

// main dispatches subcommands against a tracker wired to the configured collector.
func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	collector := flag.String("collector", "", "collector base URL (overrides config)")
	apiKey := flag.String("api-key", "", "collector API key (overrides config)")
	pageURL := flag.String("url", "https://www.example.com/", "page URL context")
	pageTitle := flag.String("title", "smoke test", "page title context")
	referrer := flag.String("referrer", "", "page referrer context")
	verbose := flag.Bool("v", false, "log tracker internals")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.LoadFile(*cfgPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	}
	if *collector != "" {
		cfg.CollectorURL = *collector
	}
	if *apiKey != "" {
		cfg.APIKey = *apiKey
		cfg.BeaconSigningKey = ""
	}
	cfg.ApplyDefaults()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}

	t, err := tracker.New(ctx, cfg, tracker.WithLogger(logger))
	if err != nil {
		fail(err)
	}
	defer t.Close(ctx)

	page := envelope.PageContext{URL: *pageURL, Title: *pageTitle, Referrer: *referrer}
	metrics := track.Metrics{ViewportWidth: 1280, ViewportHeight: 800, ScreenWidth: 1920, ScreenHeight: 1080}

	switch cmd {

	case "version":
		fmt.Printf("stratostrack %s (%s)\n", version, buildDate)

	case "consent":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "need grant or revoke")
			os.Exit(1)
		}
		switch flag.Arg(1) {
		case "grant":
			t.SetConsent(ctx, true)
		case "revoke":
			t.SetConsent(ctx, false)
		default:
			fmt.Fprintln(os.Stderr, "need grant or revoke")
			os.Exit(1)
		}
		fmt.Println("ok")

	case "session":
		printJSON(map[string]string{
			"visitor_id": t.VisitorID(ctx).String(),
			"session_id": t.SessionID(ctx).String(),
		})

	case "page-view":
		t.Init(ctx, page, metrics)
		fmt.Println("ok")

	case "property-view":
		fs := flag.NewFlagSet("property-view", flag.ExitOnError)
		id := fs.String("id", "", "property id")
		dwell := fs.Duration("dwell", 4*time.Second, "simulated time on listing")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}

		t.Init(ctx, page, metrics)
		t.TrackPropertyView(ctx, *id, nil)
		time.Sleep(*dwell)
		t.BeforeUnload(ctx)
		fmt.Println("ok")

	case "article-view":
		fs := flag.NewFlagSet("article-view", flag.ExitOnError)
		id := fs.String("id", "", "article id")
		dwell := fs.Duration("dwell", 6*time.Second, "simulated read time")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}

		t.Init(ctx, page, metrics)
		t.TrackArticleView(ctx, *id, nil)
		time.Sleep(*dwell)
		t.PageHide(ctx)
		fmt.Println("ok")

	case "search":
		fs := flag.NewFlagSet("search", flag.ExitOnError)
		data := fs.String("data", "{}", "search criteria (JSON)")
		_ = fs.Parse(flag.Args()[1:])

		var criteria map[string]any
		if err := json.Unmarshal([]byte(*data), &criteria); err != nil {
			fail(fmt.Errorf("bad -data: %w", err))
		}
		t.Init(ctx, page, metrics)
		t.TrackSearch(ctx, criteria)
		fmt.Println("ok")

	case "favourite":
		fs := flag.NewFlagSet("favourite", flag.ExitOnError)
		id := fs.String("id", "", "property id")
		source := fs.String("source", "cli", "toggle source")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}

		state := t.ToggleFavourite(ctx, *id, *source)
		printJSON(map[string]bool{"is_favourited": state})

	case "favourites":
		printJSON(t.GetFavourites(ctx))

	default:
		usage()
	}
}

// ---- helpers ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
