/*
Copyright 2026 The dpatch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command dpatch is both the task-dispatch server and its own client
// front-end: with no subcommand it runs the server (default); with a `run`
// or `set` subcommand it sends a single request to a running server and
// prints the reply.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dpatch/internal/admin"
	"dpatch/internal/client"
	"dpatch/internal/logbuf"
	"dpatch/internal/server"
	"dpatch/internal/wire"
	"dpatch/internal/workspace"

	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		port      = flag.Int("p", 9999, "TCP port the server listens on (or the client connects to)")
		wsPath    = flag.String("f", "", "workspace file to preload at server startup")
		logPath   = flag.String("l", "", "log file path (in addition to stderr, unless -q)")
		watchDir  = flag.String("w", "", "client mode: directory to watch, resending the request on every change")
		quiet     = flag.Bool("q", false, "suppress human-readable stderr/stdout output")
		detached  = flag.Bool("d", false, "accepted for compatibility; daemonization is the operator's responsibility")
		adminAddr = flag.String("admin", ":9998", "bind address for the admin HTTP/metrics surface; empty disables it")
		help      = flag.Bool("h", false, "show usage")
	)
	flag.Parse()

	if *help {
		usage()
		return
	}
	if *detached {
		fmt.Fprintln(os.Stderr, "dpatch: -d accepted but ignored; run this process under your own init/supervisor")
	}

	level := logbuf.LevelInfo
	var logFile *os.File
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dpatch: opening log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logFile = f
	}
	var out io.Writer
	if logFile != nil {
		out = logFile
	}
	log := logbuf.New(out, level, *quiet)

	args := flag.Args()
	if len(args) == 0 {
		if err := runServer(log, *port, *wsPath, *adminAddr); err != nil {
			fmt.Fprintf(os.Stderr, "dpatch: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runClient(*port, *watchDir, *quiet, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dpatch: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dpatch [flags]                 run as server (default)")
	fmt.Fprintln(os.Stderr, "       dpatch [flags] run <task> [-e KEY=VALUE]...")
	fmt.Fprintln(os.Stderr, "       dpatch [flags] set <path>")
	flag.PrintDefaults()
}

func runServer(log *logbuf.Logger, port int, workspacePath, adminAddr string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if workspacePath != "" {
		if err := workspace.Readable(workspacePath); err != nil {
			return fmt.Errorf("preloading workspace %q: %w", workspacePath, err)
		}
		log.Infof("preloaded workspace %q", workspacePath)
	}

	cfg := server.DefaultConfig()
	srv := server.New(cfg, log, workspacePath)

	ln, err := server.Listen(ctx, port)
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", port, err)
	}
	log.Infof("dpatch listening on port %d", port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, ln) })

	if adminAddr != "" {
		adminLn, err := net.Listen("tcp", adminAddr)
		if err != nil {
			return fmt.Errorf("binding admin surface on %q: %w", adminAddr, err)
		}
		httpSrv := &http.Server{Handler: admin.NewRouter(srv)}
		log.Infof("dpatch admin surface listening on %s", adminAddr)
		g.Go(func() error {
			errc := make(chan error, 1)
			go func() { errc <- httpSrv.Serve(adminLn) }()
			select {
			case <-gctx.Done():
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer shutdownCancel()
				httpSrv.Shutdown(shutdownCtx)
				return nil
			case err := <-errc:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			}
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runClient(port int, watchDir string, quiet bool, cmd string, args []string) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	cfg := server.DefaultConfig()
	timeout := cfg.SockTimeout

	printf := func(w *os.File, format string, a ...interface{}) {
		if !quiet {
			fmt.Fprintf(w, format, a...)
		}
	}
	printReply := func(reply wire.Message, reqErr error) bool {
		if reqErr != nil {
			printf(os.Stderr, "Error: %v\n", reqErr)
			return false
		}
		text := ""
		if len(reply.Tokens) > 0 {
			text = reply.Tokens[0].Value
		}
		if reply.Kind == wire.MsgErr {
			printf(os.Stderr, "Error: %s\n", text)
			return false
		}
		printf(os.Stdout, "Success: %s\n", text)
		return true
	}

	if watchDir == "" {
		printf(os.Stdout, "Sending command to dpatch server at port %d...\n", port)
		req, err := client.BuildMessage(cmd, args)
		if err != nil {
			return err
		}
		reply, err := client.SendOnce(context.Background(), addr, req, timeout, cfg.MaxFrame)
		if !printReply(reply, err) {
			os.Exit(1)
		}
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return client.Watch(ctx, watchDir, addr, timeout, cfg.MaxFrame,
		func() (wire.Message, error) { return client.BuildMessage(cmd, args) },
		func(r client.Result) { printReply(r.Reply, r.Err) },
	)
}
