package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"spotsync/internal/store"
)

func printHistory(out io.Writer, entries []store.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tFINISHED\tPLAYLIST\tSTATUS\tADDED\tREMOVED\tTRACKS\tTOP TRACK\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			e.RunID,
			e.FinishedAt.Local().Format("2006-01-02 15:04"),
			e.Name,
			e.Status,
			e.Added,
			e.Removed,
			e.Final,
			e.TopTrack,
			e.Duration.Round(100*time.Millisecond),
			e.Error)
	}
	w.Flush()
}

// envSections groups flags in the generated .env.example.
var envSections = []struct {
	title string
	flags []string
}{
	{"SPOTIFY - Required", []string{
		"spotify-client-id", "spotify-client-secret", "spotify-redirect-url", "spotify-token-path", "market",
	}},
	{"SYNC", []string{
		"playlist-config", "max-retries", "retry-base-delay", "retry-max-delay", "batch-size",
		"settle-delay", "top-track-retry-delay", "top-track-attempts", "display-cap", "workers",
		"rate-limit", "pause-between", "contact-email", "deadline", "dry-run", "skip-if-updated-today",
	}},
	{"STATE", []string{"records-dir", "history-path", "metrics-textfile"}},
	{"SERVER", []string{"server-enabled", "server-host", "server-port"}},
	{"LOGGING", []string{"log-level", "log-format"}},
}

func generateEnvExample(cmd *cobra.Command) error {
	fmt.Println("Generating .env.example file from current configuration...")

	content := generateEnvExampleContent(cmd.PersistentFlags())
	if err := os.WriteFile(".env.example", []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write .env.example: %w", err)
	}

	fmt.Println("Successfully generated .env.example file")
	return nil
}

func generateEnvExampleContent(flags *pflag.FlagSet) string {
	var content strings.Builder

	content.WriteString("# =============================================================================\n")
	content.WriteString("# spotsync Configuration\n")
	content.WriteString("# =============================================================================\n")
	content.WriteString("#\n")
	content.WriteString("# Copy this file to .env and update with your values\n")
	content.WriteString("# Every variable has a CLI flag equivalent (use --help to see them)\n")
	content.WriteString("# Format: " + envPrefix + "_<SETTING>=value, CLI: --<setting>\n")
	content.WriteString("#\n\n")

	for _, section := range envSections {
		content.WriteString("# -----------------------------------------------------------------------------\n")
		fmt.Fprintf(&content, "# %s\n", section.title)
		content.WriteString("# -----------------------------------------------------------------------------\n")
		for _, name := range section.flags {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			fmt.Fprintf(&content, "# %s (default: %q)\n", f.Usage, f.DefValue)
			fmt.Fprintf(&content, "%s=%s\n", flagToEnvVar(name), envValue(f))
		}
		content.WriteString("\n")
	}
	return content.String()
}

func flagToEnvVar(flagName string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func envValue(f *pflag.Flag) string {
	switch f.Name {
	case "spotify-client-id":
		return "your_spotify_client_id_here"
	case "spotify-client-secret":
		return "your_spotify_client_secret_here"
	}
	return f.DefValue
}
