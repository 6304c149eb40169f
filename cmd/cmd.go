// Package cmd is the urfave/cli entrypoint, mirroring the teacher's
// cmd/cmd.go `Run()` / `serverCmd()` pair: a single cli.App with a primary
// long-running command plus a handful of one-shot administrative commands
// that talk to a running instance's admin HTTP plane instead of embedding
// the runtime themselves.
package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/kelpline/blockrt/config"
)

const (
	ServiceName = "blockrt"
)

var (
	version = "0.0.0"
	commit  = "hash"
)

// Run builds and runs the cli.App, the way the teacher's main.go calls
// cmd.Run() and prints any returned error.
func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Isolated-process concurrent runtime (blocks, mailboxes, scheduler)",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
			topCmd(),
			spawnCmd(),
			killCmd(),
		},
	}
	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"server"},
		Usage:   "Run a scheduler, worker pool, and admin plane",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config-file", Usage: "Path to a YAML/JSON config file"},
		},
		Action: func(c *cli.Context) error {
			fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
			cfg, err := config.Load(c.String("config-file"), fs)
			if err != nil {
				return err
			}

			instanceID := uuid.NewString()
			app := NewApp(cfg)

			logger := slog.With("instance_id", instanceID, "service", ServiceName, "commit", commit)
			logger.Info("starting")

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			logger.Info("shutting down")
			return app.Stop(context.Background())
		},
	}
}

// topCmd attaches to a running instance's /stats endpoint and renders a live
// terminal dashboard via termui, polling on an interval the way the teacher's
// dashboards poll a metrics source rather than subscribing to a push feed.
func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Attach to a running instance and render a live stats dashboard",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:8090", Usage: "Admin HTTP base address"},
			&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "Poll interval"},
		},
		Action: func(c *cli.Context) error {
			return runTop(c.String("addr"), c.Duration("interval"))
		},
	}
}

func runTop(addr string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("top: termui init: %w", err)
	}
	defer ui.Close()

	header := widgets.NewParagraph()
	header.Title = "blockrt"
	header.SetRect(0, 0, 80, 3)

	body := widgets.NewParagraph()
	body.Title = "stats"
	body.SetRect(0, 3, 80, 20)

	render := func() {
		stats, err := fetchStats(addr)
		header.Text = fmt.Sprintf("admin=%s  refresh=%s  (q to quit)", addr, interval)
		if err != nil {
			body.Text = fmt.Sprintf("error: %v", err)
		} else {
			body.Text = stats
		}
		ui.Render(header, body)
	}

	render()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				render()
			}
		case <-ticker.C:
			render()
		}
	}
}

func fetchStats(addr string) (string, error) {
	resp, err := httpClient().Get(addr + "/stats")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("admin plane returned %d", resp.StatusCode)
	}

	var pretty map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&pretty); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func spawnCmd() *cli.Command {
	return &cli.Command{
		Name:  "spawn",
		Usage: "Spawn a block on a running instance",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:8090", Usage: "Admin HTTP base address"},
			&cli.StringFlag{Name: "name", Usage: "Block name"},
			&cli.StringFlag{Name: "bytecode-file", Usage: "Path to an assembled bytecode file, '-' for stdin"},
			&cli.Uint64Flag{Name: "capabilities", Usage: "Capability bitmask"},
		},
		Action: func(c *cli.Context) error {
			var bytecode []byte
			if path := c.String("bytecode-file"); path != "" {
				var r io.Reader
				if path == "-" {
					r = bufio.NewReader(os.Stdin)
				} else {
					f, err := os.Open(path)
					if err != nil {
						return err
					}
					defer f.Close()
					r = f
				}
				b, err := io.ReadAll(r)
				if err != nil {
					return err
				}
				bytecode = b
			}

			body, err := json.Marshal(map[string]any{
				"name":         c.String("name"),
				"bytecode":     bytecode,
				"capabilities": c.Uint64("capabilities"),
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequest(http.MethodPost, c.String("addr")+"/blocks", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Request-Id", uuid.NewString())

			resp, err := httpClient().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("spawn failed: %s: %s", resp.Status, out)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func killCmd() *cli.Command {
	return &cli.Command{
		Name:      "kill",
		Usage:     "Kill a block on a running instance",
		ArgsUsage: "<pid>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "http://localhost:8090", Usage: "Admin HTTP base address"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("kill requires exactly one pid argument")
			}
			if _, err := strconv.ParseUint(c.Args().Get(0), 10, 64); err != nil {
				return fmt.Errorf("invalid pid %q: %w", c.Args().Get(0), err)
			}

			req, err := http.NewRequest(http.MethodDelete, c.String("addr")+"/blocks/"+c.Args().Get(0), nil)
			if err != nil {
				return err
			}
			req.Header.Set("X-Request-Id", uuid.NewString())

			resp, err := httpClient().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				out, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("kill failed: %s: %s", resp.Status, out)
			}
			return nil
		},
	}
}

func httpClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
		},
	}
}
