package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"strzcam.com/blackbox/config"
	"strzcam.com/blackbox/save"
	"strzcam.com/blackbox/session"
	"strzcam.com/blackbox/store"
)

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "List saved recordings",
	Long: `List the recordings in the output directory, newest first, with the
trigger reason and sample counts from their manifests.`,
	Args: cobra.NoArgs,
	RunE: runRecordings,
}

func init() {
	rootCmd.AddCommand(recordingsCmd)
}

func runRecordings(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return listRecordings(cmd, store.New(afero.NewOsFs(), cfg.Paths.OutputDir))
}

func listRecordings(cmd *cobra.Command, st *store.Store) error {
	recordings, err := st.List()
	if err != nil {
		return fmt.Errorf("failed to list recordings: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(recordings) == 0 {
		fmt.Fprintf(out, "No recordings in %s\n", st.Dir())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tSIZE\tREASON\tFRAMES")
	for _, r := range recordings {
		reason, frames := "-", "-"
		if r.Manifest != "" {
			m, err := save.ReadManifest(st.Fs(), filepath.Join(st.Dir(), r.Manifest))
			if err == nil {
				reason = m.Reason
				for _, s := range m.Sources {
					if s.Name == session.VideoSource {
						frames = fmt.Sprintf("%d", s.Samples)
					}
				}
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.Created.Local().Format("2006-01-02 15:04:05"), humanSize(r.Size), reason, frames)
	}
	return w.Flush()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
