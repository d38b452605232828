// Command barrelkv is a line-oriented interactive shell and one-shot CLI
// over a BarrelKV store directory. It is an example program, out of scope
// of the store's core: it only ever calls the engine's public API.
//
// The one-shot subcommand shape (flags per command, an Action with
// (context.Context, *cli.Command)) is grounded on oarkflow-velocity's
// cli.BaseCommand-built commands; the interactive loop (liner.State, a
// history file under the user's home directory, a Fields-split command
// dispatch) is grounded on calvinalkan-agent-task's sloty REPL.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/urfave/cli/v3"

	"github.com/barrelkv/barrelkv/engine"
	"github.com/barrelkv/barrelkv/internal/config"
)

func main() {
	cmd := &cli.Command{
		Name:  "barrelkv",
		Usage: "embedded LSM key-value store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "store directory",
				Value:   "./barrelkv-data",
			},
		},
		Commands: []*cli.Command{
			putCommand(),
			getCommand(),
			deleteCommand(),
			flushCommand(),
			replCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "barrelkv:", err)
		os.Exit(1)
	}
}

func openEngine(c *cli.Command) (*engine.Engine, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return engine.Open(
		c.String("dir"),
		engine.WithFlushThreshold(cfg.FlushThresholdBytes),
		engine.WithWALFlushInterval(cfg.WALFlushInterval),
		engine.WithBloomParams(cfg.BloomBitsPerKey, cfg.BloomHashCount),
		engine.WithLogger(slog.Default()),
	)
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "store a key-value pair",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("usage: barrelkv put <key> <value>")
			}
			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()

			return eng.Put(c.Args().Get(0), []byte(c.Args().Get(1)))
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "retrieve a value by key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: barrelkv get <key>")
			}
			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()

			v, ok, err := eng.Get(c.Args().Get(0))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: barrelkv delete <key>")
			}
			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()

			return eng.Delete(c.Args().Get(0))
		},
	}
}

func flushCommand() *cli.Command {
	return &cli.Command{
		Name:  "flush",
		Usage: "force a memtable flush to a new SSTable",
		Action: func(ctx context.Context, c *cli.Command) error {
			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()

			return eng.FlushMemtable()
		},
	}
}

func replCommand() *cli.Command {
	return &cli.Command{
		Name:  "repl",
		Usage: "start an interactive shell against the store",
		Action: func(ctx context.Context, c *cli.Command) error {
			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()

			r := &repl{eng: eng}
			return r.run()
		},
	}
}

// repl is the interactive command loop. put/get/del/flush mirror the
// one-shot subcommands above, plus help and exit/quit/q.
type repl struct {
	eng   *engine.Engine
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".barrelkv_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	r.liner.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("barrelkv shell. Type 'help' for commands.")

	for {
		line, err := r.liner.Prompt("barrelkv> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "exit", "quit", "q":
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "put":
			r.cmdPut(fields[1:])
		case "get":
			r.cmdGet(fields[1:])
		case "del", "delete":
			r.cmdDelete(fields[1:])
		case "flush":
			r.cmdFlush()
		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", fields[0])
		}
	}

	r.saveHistory()
	return nil
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *repl) printHelp() {
	fmt.Println(`commands:
  put <key> <value>   store a key-value pair
  get <key>            retrieve a value by key
  del <key>            delete a key
  flush                force a memtable flush
  help                 show this help
  exit / quit / q      leave the shell`)
}

func (r *repl) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: put <key> <value>")
		return
	}
	if err := r.eng.Put(args[0], []byte(strings.Join(args[1:], " "))); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("ok")
}

func (r *repl) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <key>")
		return
	}
	v, ok, err := r.eng.Get(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !ok {
		fmt.Println("(not found)")
		return
	}
	fmt.Println(string(v))
}

func (r *repl) cmdDelete(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: del <key>")
		return
	}
	if err := r.eng.Delete(args[0]); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("ok")
}

func (r *repl) cmdFlush() {
	if err := r.eng.FlushMemtable(); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("ok")
}
