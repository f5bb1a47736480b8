package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"
	"golang.org/x/sync/errgroup"

	"github.com/macula-io/macula-arcade-sub000/node"
	"github.com/macula-io/macula-arcade-sub000/realm"
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
		routerURL = flag.String("routerurl", "ws://127.0.0.1:9777/realm", "mesh router websocket URL")
		namespace = flag.String("namespace", "arcade", "realm namespace")
		name      = flag.String("name", "player", "display name")
	)
	flag.Parse()

	if *datadir == "" {
		*datadir = utils.AppDataDir("arcade-tui", false)
	}
	useStdout := false
	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(*datadir, "logs", "arcade-tui.log"),
		DebugLevel:     "info",
		MaxLogFiles:    5,
		MaxBufferLines: 1000,
		UseStdout:      &useStdout,
	})
	if err != nil {
		return err
	}

	playerID, err := randomID()
	if err != nil {
		return err
	}
	nodeID, err := randomID()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := realm.DialWS(ctx, *routerURL, nodeID, lb.Logger("REALM"))
	defer rt.Close()

	as := newAppstate(playerID, *name)
	n, err := node.New(&node.Config{
		Namespace:  *namespace,
		Transport:  rt,
		Log:        lb.Logger("NODE"),
		OnSnapshot: as.pushSnapshot,
		OnOutcome:  as.pushOutcome,
	})
	if err != nil {
		return err
	}
	as.node = n

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := n.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		p := tea.NewProgram(as)
		_, err := p.Run()
		return err
	})
	return g.Wait()
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
