package main

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/recapd/recapd/pkg/models"
)

// newSmokeCommand probes each configured agent CLI so operators can verify
// the host before pointing the queue at it.
func newSmokeCommand() *cobra.Command {
	var (
		flagAgent   string
		flagTimeout int
	)
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Check that the configured agent CLIs are installed and respond",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			agents := make([]models.AgentName, 0, len(a.cfg.Routing.CommandTemplates))
			for name := range a.cfg.Routing.CommandTemplates {
				if flagAgent != "" && string(name) != flagAgent {
					continue
				}
				agents = append(agents, name)
			}
			sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })
			if len(agents) == 0 {
				return fmt.Errorf("no agents configured matching %q", flagAgent)
			}

			failed := 0
			w := newTable()
			fprintRow(w, "AGENT", "BINARY", "STATUS", "DETAIL")
			for _, name := range agents {
				binary, status, detail := probeAgent(cmd.Context(), a.cfg.Routing.CommandTemplates[name], seconds(flagTimeout))
				if status != "ok" {
					failed++
				}
				fprintRow(w, name, binary, status, detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d agent(s) failed the smoke check", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagAgent, "agent", "", "probe only this agent")
	cmd.Flags().IntVar(&flagTimeout, "timeout", 15, "per-probe timeout in seconds")
	return cmd
}

// probeAgent runs "<binary> --version" where binary is the first token of the
// agent's command template.
func probeAgent(ctx context.Context, template string, timeout time.Duration) (binary, status, detail string) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return "-", "failed", "empty command template"
	}
	binary = fields[0]

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, binary, "--version").CombinedOutput()
	if err != nil {
		return binary, "failed", truncate(strings.TrimSpace(err.Error()+" "+string(out)), 80)
	}
	return binary, "ok", truncate(strings.TrimSpace(string(out)), 80)
}
