package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"
	"golang.org/x/sync/errgroup"

	"github.com/macula-io/macula-arcade-sub000/node"
	"github.com/macula-io/macula-arcade-sub000/realm"
	"github.com/macula-io/macula-arcade-sub000/snakegame"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	var (
		datadir   = flag.String("datadir", "", "application data directory")
		configFln = flag.String("config", "arcaded.conf", "config file name inside datadir")
		namespace = flag.String("namespace", "", "realm namespace override")
		routerURL = flag.String("routerurl", "", "mesh router websocket URL override")
		loopback  = flag.Bool("loopback", false, "run a self-contained loopback realm with two nodes")
		botNames  = flag.String("bots", "", "comma-separated bot player names to auto-register")
	)
	flag.Parse()

	if *datadir == "" {
		*datadir = utils.AppDataDir("arcaded", false)
	}
	cfg, err := loadArcadedConfig(*datadir, *configFln)
	if err != nil {
		return err
	}
	if *namespace != "" {
		cfg.Namespace = *namespace
	}
	if *routerURL != "" {
		cfg.RouterURL = *routerURL
	}
	if *loopback {
		cfg.Loopback = true
	}
	if *botNames != "" {
		cfg.BotNames = strings.Split(*botNames, ",")
	}
	if !cfg.Loopback && cfg.RouterURL == "" {
		return fmt.Errorf("no router URL configured; set routerurl or run with -loopback")
	}

	useStdout := true
	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(*datadir, "logs", "arcaded.log"),
		DebugLevel:     cfg.DebugLevel,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
		UseStdout:      &useStdout,
	})
	if err != nil {
		return err
	}
	log := lb.Logger("ARCD")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Loopback {
		return runLoopback(ctx, cfg, lb, log)
	}
	return runMesh(ctx, cfg, *datadir, lb, log)
}

// runMesh joins the configured mesh router as a single node.
func runMesh(ctx context.Context, cfg *ArcadedConfig, dataDir string, lb *logging.LogBackend, log slog.Logger) error {
	nodeID, err := loadNodeID(dataDir)
	if err != nil {
		return err
	}
	rt := realm.DialWS(ctx, cfg.RouterURL, nodeID, lb.Logger("REALM"))
	defer rt.Close()

	n, err := node.New(nodeConfig(cfg, rt, lb.Logger("NODE")))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })
	g.Go(func() error {
		registerBots(n, cfg.BotNames, log)
		return nil
	})

	log.Infof("arcaded node %s on realm %q via %s", nodeID, cfg.Namespace, cfg.RouterURL)
	err = g.Wait()
	if ctx.Err() != nil {
		log.Infof("shutting down")
		return nil
	}
	return err
}

// runLoopback composes two nodes on an in-process bus, each with a bot
// player, so a full match runs with no mesh at all.
func runLoopback(ctx context.Context, cfg *ArcadedConfig, lb *logging.LogBackend, log slog.Logger) error {
	bus := realm.NewBus()
	names := cfg.BotNames
	if len(names) == 0 {
		names = []string{"ziggy", "noodle"}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		nodeID, err := randomID()
		if err != nil {
			return err
		}
		rt := bus.Attach(nodeID, lb.Logger(fmt.Sprintf("REALM%d", i)))
		n, err := node.New(nodeConfig(cfg, rt, lb.Logger(fmt.Sprintf("NODE%d", i))))
		if err != nil {
			return err
		}
		g.Go(func() error { return n.Run(gctx) })
		g.Go(func() error {
			registerBots(n, []string{name}, log)
			return nil
		})
	}

	log.Infof("loopback realm %q with %d nodes", cfg.Namespace, len(names))
	err := g.Wait()
	if ctx.Err() != nil {
		log.Infof("shutting down")
		return nil
	}
	return err
}

func nodeConfig(cfg *ArcadedConfig, rt realm.Transport, log slog.Logger) *node.Config {
	return &node.Config{
		Namespace: cfg.Namespace,
		Transport: rt,
		Log:       log,
		Session: snakegame.Config{
			Width:        cfg.GridWidth,
			Height:       cfg.GridHeight,
			TickInterval: cfg.TickInterval,
		},
		ProposalTTL: cfg.ProposalTTL,
		SilenceTTL:  cfg.SilenceTTL,
		OnOutcome: func(matchID string, res snakegame.Result) {
			if res.Winner == "" {
				log.Infof("match %s over: %s", matchID, res.Cause)
			} else {
				log.Infof("match %s over: %s wins (%s)", matchID, res.Winner, res.Cause)
			}
		},
	}
}

func registerBots(n *node.Node, names []string, log slog.Logger) {
	for _, name := range names {
		id, err := randomID()
		if err != nil {
			log.Errorf("bot %s: %v", name, err)
			continue
		}
		pos, err := n.Register(id, name, true)
		if err != nil {
			log.Errorf("register bot %s: %v", name, err)
			continue
		}
		log.Infof("bot %s registered as %s, queue position %d", name, id, pos)
	}
}

// loadNodeID keeps the node identity stable across restarts.
func loadNodeID(dataDir string) (zkidentity.ShortID, error) {
	var id zkidentity.ShortID
	path := filepath.Join(dataDir, "nodeid")
	if raw, err := os.ReadFile(path); err == nil {
		if err := id.FromString(strings.TrimSpace(string(raw))); err == nil {
			return id, nil
		}
	}
	id, err := randomID()
	if err != nil {
		return id, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return id, err
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return id, err
	}
	return id, nil
}

func randomID() (zkidentity.ShortID, error) {
	var id zkidentity.ShortID
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return id, err
	}
	if err := id.FromString(hex.EncodeToString(raw[:])); err != nil {
		return id, err
	}
	return id, nil
}
