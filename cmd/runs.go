package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var (
	runsLimit int
	runsClear bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List journaled processing runs",
	Run: func(cmd *cobra.Command, args []string) {
		runRuns(cmd)
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show")
	runsCmd.Flags().BoolVar(&runsClear, "clear", false, "Delete the run history")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command) {
	if DB == nil {
		utils.Die("Database not configured", fmt.Errorf("set --db or POSTGRES_HOST to enable the run journal"), nil)
	}
	ctx := cmd.Context()

	if runsClear {
		reader := bufio.NewReader(os.Stdin)
		if !confirm(reader, "⚠️  Are you sure you want to delete the run history?") {
			fmt.Println("Aborted.")
			return
		}
		removed, err := DB.Clear(ctx)
		if err != nil {
			utils.Die("Failed to clear run history", err, nil)
		}
		fmt.Printf("🗑️  Removed %d runs.\n", removed)
		return
	}

	runs, err := DB.ListRuns(ctx, runsLimit)
	if err != nil {
		utils.Die("Failed to list runs", err, nil)
	}

	if len(runs) == 0 {
		fmt.Println("No runs journaled yet.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tINPUT\tOUTPUT\tMODE\tFRAMES\tOVERLAID\tELAPSED\tAUDIO\tCREATED")
	fmt.Fprintln(w, "--\t-----\t------\t----\t------\t--------\t-------\t-----\t-------")

	for _, r := range runs {
		audio := "yes"
		if r.VideoOnly {
			audio = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.1fs\t%s\t%s\n",
			r.ID[:8], filepath.Base(r.InputPath), filepath.Base(r.OutputPath), r.BackgroundMode,
			r.TotalFrames, r.OverlaidFrames, r.ElapsedSeconds, audio,
			r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
