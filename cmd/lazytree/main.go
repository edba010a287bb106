package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/lazytree/internal/debug"
	"github.com/standardbeagle/lazytree/internal/display"
	lterrors "github.com/standardbeagle/lazytree/internal/errors"
	"github.com/standardbeagle/lazytree/internal/forest"
	"github.com/standardbeagle/lazytree/internal/mcp"
	"github.com/standardbeagle/lazytree/internal/search"
	"github.com/standardbeagle/lazytree/internal/types"
	"github.com/standardbeagle/lazytree/internal/version"
)

var Version = version.Version

func newApp() *cli.App {
	return &cli.App{
		Name:                   "lazytree",
		Usage:                  "Browse large paged trees without loading them whole",
		Version:                Version,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path (default: .lazytree.kdl in the root directory)",
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Directory holding the project config",
			},
			&cli.StringFlag{
				Name:    "source",
				Aliases: []string{"s"},
				Usage:   "Dataset file (overrides source.path)",
			},
			&cli.IntFlag{
				Name:  "page-size",
				Usage: "Children fetched per page (overrides tree.page_size)",
			},
			&cli.StringFlag{
				Name:  "ordering",
				Usage: "Child ordering: name, -name, id, -id",
			},
			&cli.StringSliceFlag{
				Name:  "filter",
				Usage: "Fixed listing filter as key=value (e.g., --filter kind=suite)",
			},
			&cli.BoolFlag{
				Name:  "no-cache",
				Usage: "Keep snapshots in memory only",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format: text, compact, json",
				Value:   display.FormatText,
			},
			&cli.BoolFlag{
				Name:  "ids",
				Usage: "Show node ids",
			},
			&cli.BoolFlag{
				Name:   "debug-log",
				Usage:  "Write debug output to a timestamped file under the temp dir",
				Hidden: true,
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug-log") {
				path, err := debug.InitDebugLogFile()
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.ErrWriter, "debug log: %s\n", path)
			}
			return nil
		},
		After: func(c *cli.Context) error {
			return debug.CloseDebugLog()
		},
		Commands: []*cli.Command{
			{
				Name:      "view",
				Aliases:   []string{"v"},
				Usage:     "Render the tree after applying open/more/check actions",
				ArgsUsage: " ",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "open", Aliases: []string{"o"}, Usage: "Open a node (repeatable)"},
					&cli.StringSliceFlag{Name: "more", Aliases: []string{"m"}, Usage: "Fetch the next page of a node, \"\" for the root (repeatable)"},
					&cli.StringSliceFlag{Name: "check", Usage: "Check a node (repeatable)"},
					&cli.StringSliceFlag{Name: "uncheck", Usage: "Uncheck a node (repeatable)"},
					&cli.BoolFlag{Name: "close-all", Usage: "Close every node before applying --open"},
					&cli.IntFlag{Name: "depth", Aliases: []string{"d"}, Usage: "Only render rows above this depth"},
				},
				Action: viewCommand,
			},
			{
				Name:      "locate",
				Aliases:   []string{"l"},
				Usage:     "Open the path to a node and render the tree",
				ArgsUsage: "<id>",
				Action:    locateCommand,
			},
			{
				Name:      "search",
				Aliases:   []string{"find"},
				Usage:     "Render only the nodes whose title matches and their ancestors",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Usage: "substring, glob, fuzzy, stem"},
					&cli.StringFlag{Name: "scope", Usage: "local (loaded nodes only) or server (filtered fetch)"},
					&cli.BoolFlag{Name: "show-children", Usage: "Keep siblings and subtrees of matches visible"},
				},
				Action: searchCommand,
			},
			{
				Name:   "mcp",
				Usage:  "Serve the tree as MCP tools over stdio",
				Action: mcpCommand,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func formatter(c *cli.Context, highlight []types.NodeID, depth int) *display.TreeFormatter {
	marks := make(map[types.NodeID]bool, len(highlight))
	for _, id := range highlight {
		marks[id] = true
	}
	return display.NewTreeFormatter(display.FormatterOptions{
		Format:     c.String("format"),
		ShowIDs:    c.Bool("ids"),
		ShowChecks: true,
		MaxDepth:   depth,
		Highlight:  marks,
	})
}

func viewCommand(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	s, err := openSession(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer closeSession(s)

	if c.Bool("close-all") {
		s.engine.CloseAll()
	}
	for _, id := range c.StringSlice("open") {
		if err := s.engine.Open(ctx, types.NodeID(id)); err != nil {
			return err
		}
	}
	for _, id := range c.StringSlice("more") {
		if err := s.engine.More(ctx, types.NodeID(id)); err != nil {
			return err
		}
	}
	for _, id := range c.StringSlice("check") {
		if err := s.engine.Check(types.NodeID(id)); err != nil {
			return err
		}
	}
	for _, id := range c.StringSlice("uncheck") {
		if err := s.engine.Uncheck(types.NodeID(id)); err != nil {
			return err
		}
	}

	return render(c.App.Writer, formatter(c, nil, c.Int("depth")), s.engine.VisibleRows())
}

func locateCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("locate requires exactly one node id")
	}
	target := types.NodeID(c.Args().First())

	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}
	s, err := openSession(c.Context, cfg, target)
	if err != nil {
		return err
	}
	defer closeSession(s)

	if s.result.NotFound {
		fmt.Fprintf(c.App.ErrWriter, "%s not found, showing the root listing\n", target)
	}
	return render(c.App.Writer, formatter(c, []types.NodeID{target}, 0), s.engine.VisibleRows())
}

func searchCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("search requires a query")
	}
	query := c.Args().First()

	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}
	if m := c.String("mode"); m != "" {
		cfg.Search.Mode = m
	}
	if sc := c.String("scope"); sc != "" {
		cfg.Search.Scope = sc
	}
	if c.Bool("show-children") {
		cfg.Search.ShowChildren = true
	}

	s, err := openSession(c.Context, cfg, "")
	if err != nil {
		return err
	}
	defer closeSession(s)

	if err := s.reconciler.Apply(c.Context, query); err != nil {
		return err
	}
	view, matches := s.reconciler.Matches()
	if len(matches) == 0 {
		fmt.Fprintf(c.App.ErrWriter, "no loaded node matches %q", query)
		if cfg.Search.Scope == search.ScopeLocal {
			fmt.Fprint(c.App.ErrWriter, " (try --scope server)")
		}
		fmt.Fprintln(c.App.ErrWriter)
	}
	return render(c.App.Writer, formatter(c, matches, 0), view.VisibleRows())
}

func mcpCommand(c *cli.Context) error {
	// stdio carries protocol traffic
	debug.SetMCPMode(true)

	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return debug.Fatal("failed to load config: %v\n", err)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	s, err := openSession(ctx, cfg, "")
	if err != nil {
		return debug.Fatal("failed to open %s: %v\n", cfg.SourcePath(), err)
	}
	if cfg.Source.Watch {
		if err := s.watch(ctx); err != nil {
			debug.LogMCP("Warning: file watching disabled: %v\n", err)
		}
	}
	defer closeSession(s)

	server := mcp.NewServer(s.engine, s.reconciler, mcp.Options{
		Logger: mcp.NewDiagnosticLogger(true),
		Format: c.String("format"),
	})
	defer func() {
		if err := server.Shutdown(); err != nil {
			debug.LogMCP("shutdown: %v\n", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		debug.LogMCP("Starting MCP server with stdio transport...\n")
		errChan <- server.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			return debug.Fatal("MCP server error: %v\n", err)
		}
		return nil
	case sig := <-sigChan:
		debug.LogMCP("Received signal %v, shutting down gracefully...\n", sig)
		cancel()

		shutdownTimer := time.NewTimer(2 * time.Second)
		defer shutdownTimer.Stop()
		select {
		case <-errChan:
			debug.LogMCP("Server shutdown completed\n")
		case <-shutdownTimer.C:
			debug.LogMCP("Graceful shutdown timeout, closing stdin\n")
			os.Stdin.Close()
		}
		return nil
	}
}

func render[T types.Entity](w io.Writer, tf *display.TreeFormatter, rows []forest.Row[T]) error {
	out := display.Format(tf, rows)
	if _, err := io.WriteString(w, out); err != nil {
		return err
	}
	if tf.Options().Format == display.FormatJSON {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}

func closeSession(s *session) {
	if err := s.close(); err != nil {
		var cacheErr *lterrors.CacheError
		if errors.As(err, &cacheErr) {
			debug.LogCache("persist failed: %v\n", err)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}
