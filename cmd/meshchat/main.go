// SPDX-License-Identifier: AGPL3.0-or-later

// meshchat is a minimal chat application on top of the mesh library:
// every line typed on stdin is broadcast to the mesh, every received
// line is printed with its sender. It doubles as a smoke test for
// bootstrap, typed dispatch and the admin surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/bfix/gospel/logger"

	"meshnet/config"
	"meshnet/introspect"
	"meshnet/overlay"
	"meshnet/peer"
	"meshnet/seed"
	"meshnet/typed"
)

// chatLine is the single message type exchanged between chat nodes.
type chatLine struct {
	Nick string
	Text string
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		cfgFile   string
		port      uint
		contact   string
		nick      string
		adminAddr string
		logLevel  int
	)
	flag.StringVar(&cfgFile, "c", "", "configuration file (JSON)")
	flag.UintVar(&port, "p", config.DefaultPort, "listen port")
	flag.StringVar(&contact, "j", "", "mesh contact to join ('host:port')")
	flag.StringVar(&nick, "n", "anonymous", "nickname shown to other members")
	flag.StringVar(&adminAddr, "a", "", "admin HTTP endpoint (e.g. '127.0.0.1:8380')")
	flag.IntVar(&logLevel, "L", logger.INFO, "log level (default: INFO)")
	flag.Parse()
	logger.SetLogLevel(logLevel)

	cfg := config.Defaults()
	if cfgFile != "" {
		if err := config.ParseConfig(cfgFile, cfg); err != nil {
			fmt.Println("config failed: " + err.Error())
			return
		}
	}
	if port != uint(config.DefaultPort) {
		cfg.Port = uint16(port)
	}

	n := typed.NewNetwork(cfg)
	fmt.Println("======================================================================")
	fmt.Println("meshchat")
	fmt.Printf("    Identity '%s'\n", n.Self())
	fmt.Printf("    Port     %d\n", cfg.Port)
	fmt.Println("======================================================================")

	typed.AddListener(n, func(ev typed.Event[chatLine]) {
		fmt.Printf("<%s> %s\n", ev.Value.Nick, ev.Value.Text)
	})
	n.AddConnectionListener(func(p peer.Peer) {
		fmt.Printf("* %s joined\n", p.ID)
	})
	n.AddDisconnectionListener(func(p peer.Peer, reason overlay.DisconnectReason) {
		fmt.Printf("* %s left (%s)\n", p.ID, reason)
	})

	if err := n.SyncAwake(); err != nil {
		fmt.Println("awake failed: " + err.Error())
		return
	}
	defer func() {
		n.Disconnect()
		n.Join()
	}()

	if adminAddr != "" {
		introspect.NewServer(n, adminAddr).Start(ctx)
	}

	switch {
	case contact != "":
		host, cport, err := splitContact(contact)
		if err != nil {
			fmt.Println("bad contact: " + err.Error())
			return
		}
		if err := n.SyncConnect(host, cport); err != nil {
			fmt.Println("join failed: " + err.Error())
			return
		}
	case cfg.SeedDomain != "":
		if err := seed.Bootstrap(n, cfg.SeedDomain, nil, config.DefaultPort); err != nil {
			fmt.Println("seed bootstrap failed: " + err.Error())
			return
		}
	}

	// broadcast stdin lines until EOF or signal
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			if err := typed.Send(n, chatLine{Nick: nick, Text: line}); err != nil {
				fmt.Println("send failed: " + err.Error())
			}
		case sig := <-sigCh:
			fmt.Printf("terminating (%s)\n", sig)
			return
		case <-ctx.Done():
			return
		}
	}
}

func splitContact(s string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, 0, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return nil, 0, fmt.Errorf("cannot resolve %q", host)
		}
		ip = addrs[0]
	}
	return ip, port, nil
}
