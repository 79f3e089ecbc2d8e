package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/livinlefevreloca/runboard/internal/tree"
)

func printRun(out io.Writer, data *tree.Data, runID string) {
	run, ok := data.Run(runID)
	if !ok {
		fmt.Fprintf(out, "run %s not found in tree data\n", runID)
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	writeRunHeader(w)
	writeRun(w, run)
	w.Flush()
}

func printRuns(out io.Writer, data *tree.Data) {
	if data == nil {
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	writeRunHeader(w)
	for _, run := range data.DagRuns {
		writeRun(w, run)
	}
	w.Flush()
}

func writeRunHeader(w io.Writer) {
	fmt.Fprintln(w, "RUN ID\tSTATE\tRUN TYPE\tDURATION")
}

func writeRun(w io.Writer, run tree.DagRun) {
	state := string(run.State)
	if state == "" {
		state = "no status"
	}
	duration := "-"
	if run.Duration != nil {
		duration = (time.Duration(*run.Duration * float64(time.Second))).Round(time.Second).String()
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.RunID, state, run.RunType, duration)
}
