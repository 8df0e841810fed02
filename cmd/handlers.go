package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/sunflowermm/xrkbot/internal/config"
	"github.com/sunflowermm/xrkbot/internal/plugins"
	"github.com/sunflowermm/xrkbot/internal/scheduler"
)

func handlersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handlers",
		Short: "Inspect handler packs",
	}
	cmd.AddCommand(handlersListCmd())
	return cmd
}

func handlersListCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List handlers declared by the configured packs, in dispatch order",
		Run: func(cmd *cobra.Command, args []string) {
			if dir == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					fmt.Fprintln(os.Stderr, "load config:", err)
					os.Exit(1)
				}
				dir = config.ExpandHome(cfg.Plugins.Dir)
			}

			registry := scheduler.NewRegistry()
			loader := plugins.NewLoader(dir, registry)
			if err := loader.LoadAll(); err != nil {
				fmt.Fprintln(os.Stderr, "load handler packs:", err)
				os.Exit(1)
			}

			descriptors := registry.Ordered()
			if len(descriptors) == 0 {
				fmt.Printf("no handlers found in %s\n", dir)
				return
			}
			printHandlerTable(descriptors)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "handler pack directory (default: from config)")
	return cmd
}

func printHandlerTable(descriptors []*scheduler.Descriptor) {
	headers := []string{"NAME", "PRIORITY", "TYPE", "EVENTS", "PATTERN", "MIN ROLE"}
	rows := make([][]string, 0, len(descriptors))
	for _, d := range descriptors {
		kind := "normal"
		if d.Enhancer {
			kind = "enhancer"
		}
		events := "*"
		if len(d.Events) > 0 {
			parts := make([]string, len(d.Events))
			for i, e := range d.Events {
				parts[i] = string(e)
			}
			sort.Strings(parts)
			events = strings.Join(parts, ",")
		}
		pattern := ""
		if d.Trigger != nil {
			pattern = d.Trigger.String()
		}
		rows = append(rows, []string{
			d.Name,
			fmt.Sprintf("%d", d.Priority),
			kind,
			events,
			pattern,
			d.MinRole.String(),
		})
	}

	// Column widths account for wide runes in handler names and patterns.
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
}
