// tetherctl - control tool for the tetherd daemon
//
//	tetherctl status                       Daemon status
//	tetherctl conn state|history           Connectivity
//	tetherctl queue add|flush|pending      Offline action queue
//	tetherctl cache usage|evict|preload    Cache accountant
//	tetherctl notify ...                   Notification channels
//	tetherctl proxy ...                    Content worker lifecycle
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"tetherd/internal/config"
	"tetherd/internal/ipc"
)

func main() {
	fs := flag.NewFlagSet("tetherctl", flag.ExitOnError)
	socket := fs.String("socket", "", "daemon socket path (default from config/env)")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = usage
	fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	path := *socket
	if path == "" {
		cfg := config.DefaultConfig()
		cfg.ApplyEnvOverrides()
		path = cfg.IPC.SocketPath
	}

	c, err := ipc.Dial(path, *timeout)
	if err != nil {
		fatal("connect to daemon: %v (is tetherd running?)", err)
	}
	defer c.Close()

	switch args[0] {
	case "status":
		cmdStatus(c)
	case "ping":
		if err := c.Ping(); err != nil {
			fatal("ping: %v", err)
		}
		fmt.Println("ok")
	case "conn":
		cmdConn(c, args[1:])
	case "queue":
		cmdQueue(c, args[1:])
	case "cache":
		cmdCache(c, args[1:])
	case "notify":
		cmdNotify(c, args[1:])
	case "proxy":
		cmdProxy(c, args[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`tetherctl - control tool for the tetherd daemon

USAGE:
    tetherctl [-socket path] [-timeout d] <command> [args]

COMMANDS:
    status                          Daemon status snapshot
    ping                            Check daemon liveness
    conn state                      Current connectivity state
    conn history                    Recent online/offline transitions
    queue add <json>                Enqueue an action payload
    queue flush                     Flush the offline queue now
    queue pending                   Pending action count
    cache usage                     Cache usage per group
    cache evict <group>             Remove one cache group
    cache evict-all                 Remove every cache group
    cache preload <group> <url>...  Fetch resources into a group
    notify permission               Request notification permission
    notify subscribe <server-key>   Register a push subscription
    notify unsubscribe              Remove the push subscription
    notify test <title> <body>      Fire a local test notification
    proxy status                    Worker lifecycle state
    proxy register                  Install and activate the worker
    proxy check-update              Force a version manifest check
    proxy apply-update              Apply a pending worker update`)
}

func cmdStatus(c *ipc.Client) {
	st, err := c.Status()
	if err != nil {
		fatal("status: %v", err)
	}
	printJSON(st)
}

func cmdConn(c *ipc.Client, args []string) {
	if len(args) < 1 {
		fatal("usage: tetherctl conn state|history")
	}
	switch args[0] {
	case "state":
		st, err := c.ConnState()
		if err != nil {
			fatal("conn state: %v", err)
		}
		printJSON(st)
	case "history":
		h, err := c.ConnHistory()
		if err != nil {
			fatal("conn history: %v", err)
		}
		if len(h.Transitions) == 0 {
			fmt.Println("no transitions recorded")
			return
		}
		for _, tr := range h.Transitions {
			state := "offline"
			if tr.Online {
				state = "online"
			}
			fmt.Printf("%s  %s\n", tr.At.Format(time.RFC3339), state)
		}
	default:
		fatal("unknown conn subcommand: %s", args[0])
	}
}

func cmdQueue(c *ipc.Client, args []string) {
	if len(args) < 1 {
		fatal("usage: tetherctl queue add|flush|pending")
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			fatal("usage: tetherctl queue add <json>")
		}
		if !json.Valid([]byte(args[1])) {
			fatal("payload is not valid JSON")
		}
		resp, err := c.Enqueue(json.RawMessage(args[1]))
		if err != nil {
			fatal("queue add: %v", err)
		}
		fmt.Printf("queued %s (%d pending)\n", resp.ID, resp.Pending)
	case "flush":
		res, err := c.Flush()
		if err != nil {
			fatal("queue flush: %v", err)
		}
		if res.Coalesced {
			fmt.Println("flush already in progress")
			return
		}
		fmt.Printf("attempted %d, delivered %d, %d remaining\n",
			res.Attempted, res.Delivered, res.Remaining)
	case "pending":
		n, err := c.Pending()
		if err != nil {
			fatal("queue pending: %v", err)
		}
		fmt.Println(n)
	default:
		fatal("unknown queue subcommand: %s", args[0])
	}
}

func cmdCache(c *ipc.Client, args []string) {
	if len(args) < 1 {
		fatal("usage: tetherctl cache usage|evict|evict-all|preload")
	}
	switch args[0] {
	case "usage":
		u, err := c.CacheUsage()
		if err != nil {
			fatal("cache usage: %v", err)
		}
		printJSON(u)
	case "evict":
		if len(args) < 2 {
			fatal("usage: tetherctl cache evict <group>")
		}
		n, err := c.CacheEvict(args[1])
		if err != nil {
			fatal("cache evict: %v", err)
		}
		fmt.Printf("removed %d group(s)\n", n)
	case "evict-all":
		n, err := c.CacheEvictAll()
		if err != nil {
			fatal("cache evict-all: %v", err)
		}
		fmt.Printf("removed %d group(s)\n", n)
	case "preload":
		if len(args) < 3 {
			fatal("usage: tetherctl cache preload <group> <url>...")
		}
		res, err := c.CachePreload(args[1], args[2:])
		if err != nil {
			fatal("cache preload: %v", err)
		}
		fmt.Printf("succeeded %d, failed %d\n", res.Succeeded, res.Failed)
	default:
		fatal("unknown cache subcommand: %s", args[0])
	}
}

func cmdNotify(c *ipc.Client, args []string) {
	if len(args) < 1 {
		fatal("usage: tetherctl notify permission|subscribe|unsubscribe|test")
	}
	switch args[0] {
	case "permission":
		granted, err := c.NotifyPermission()
		if err != nil {
			fatal("notify permission: %v", err)
		}
		fmt.Println("granted:", granted)
	case "subscribe":
		if len(args) < 2 {
			fatal("usage: tetherctl notify subscribe <server-key>")
		}
		resp, err := c.NotifySubscribe(args[1])
		if err != nil {
			fatal("notify subscribe: %v", err)
		}
		if !resp.Subscribed {
			fmt.Println("not subscribed (permission missing or empty key)")
			return
		}
		fmt.Println("endpoint:", resp.Endpoint)
	case "unsubscribe":
		if err := c.NotifyUnsubscribe(); err != nil {
			fatal("notify unsubscribe: %v", err)
		}
		fmt.Println("ok")
	case "test":
		if len(args) < 3 {
			fatal("usage: tetherctl notify test <title> <body>")
		}
		sent, err := c.NotifyTest(args[1], args[2])
		if err != nil {
			fatal("notify test: %v", err)
		}
		fmt.Println("sent:", sent)
	default:
		fatal("unknown notify subcommand: %s", args[0])
	}
}

func cmdProxy(c *ipc.Client, args []string) {
	if len(args) < 1 {
		fatal("usage: tetherctl proxy status|register|check-update|apply-update")
	}
	switch args[0] {
	case "status":
		st, err := c.ProxyStatus()
		if err != nil {
			fatal("proxy status: %v", err)
		}
		printJSON(st)
	case "register":
		st, err := c.ProxyRegister()
		if err != nil {
			fatal("proxy register: %v", err)
		}
		printJSON(st)
	case "check-update":
		changed, err := c.ProxyCheckUpdate()
		if err != nil {
			fatal("proxy check-update: %v", err)
		}
		fmt.Println("update-available:", changed)
	case "apply-update":
		applied, err := c.ProxyApplyUpdate()
		if err != nil {
			fatal("proxy apply-update: %v", err)
		}
		fmt.Println("applied:", applied)
	default:
		fatal("unknown proxy subcommand: %s", args[0])
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "tetherctl: "+format+"\n", args...)
	os.Exit(1)
}
