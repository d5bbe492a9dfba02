// Command node starts a Bitcoin block-processing node: the store, the
// event bus, the five chasers, peer channels, and the minimal RPC control
// menu of §6. Grounded in the teacher's cmd/node/main.go top-level wiring
// (flag parsing, config load with a defaults fallback, graceful shutdown
// on SIGINT/SIGTERM), generalized to this node's own lifecycle.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/blockrelay/btcnode/config"
	"github.com/blockrelay/btcnode/node"
)

func main() {
	cfgPath := flag.String("settings", "config.json", "path to settings file")
	short := flag.String("s", "", "shorthand for --settings")
	newStore := flag.Bool("newstore", false, "initialize a fresh store and exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("btcnode 0.1.0")
		os.Exit(0)
	}

	path := *cfgPath
	if *short != "" {
		path = *short
	}

	cfg, err := loadConfig(path)
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	configureLogging(cfg)

	n, err := node.New(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("node init")
	}

	if *newStore {
		fmt.Println("store initialized")
		os.Exit(0)
	}

	if err := n.Start(); err != nil {
		logrus.WithError(err).Fatal("node start")
	}
	logrus.Info("node started")

	go runControlMenu(n)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("shutting down")
	n.Stop()
	logrus.Info("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("path", path).Warn("settings file not found, using defaults")
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config) {
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// runControlMenu implements §6's single-letter runtime control menu on
// stdin: b backup, c close, e errors, h hold (suspend/resume), i
// information, t test, w work, z zoom (resume).
func runControlMenu(n *node.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	held := false
	for scanner.Scan() {
		switch scanner.Text() {
		case "b":
			n.TriggerSnapshot()
			fmt.Println("backup triggered")
		case "c":
			fmt.Println("close: send SIGINT/SIGTERM to shut down")
		case "e":
			fmt.Printf("fault: %v\n", n.Store().IsFault())
		case "h":
			if held {
				n.Resume()
			} else {
				n.Suspend()
			}
			held = !held
			fmt.Printf("hold: %v\n", held)
		case "i":
			fmt.Printf("top_candidate=%d top_confirmed=%d fork_point=%d\n",
				n.Store().GetTopCandidate(), n.Store().GetTopConfirmed(), n.Store().GetFork())
		case "t":
			fmt.Println("test: store open and responsive")
		case "w":
			fmt.Printf("unassociated=%d\n", n.Store().GetUnassociatedCount())
		case "z":
			n.Resume()
			held = false
			fmt.Println("resumed")
		}
	}
}
