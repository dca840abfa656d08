package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/common/trace"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "decay",
		Short: "Run one decay pass over every user and print the report",
		Args:  cobra.NoArgs,
		RunE:  runDecay,
	})
	RootCmd.AddCommand(&cobra.Command{
		Use:   "summarize",
		Short: "Run one session summarization pass and print the report",
		Args:  cobra.NoArgs,
		RunE:  runSummarize,
	})
}

func runDecay(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, _ := trace.Ensure(cmd.Context(), "decay")
	report, err := a.RunDecay(ctx)
	printJSON(report)
	return err
}

func runSummarize(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, _ := trace.Ensure(cmd.Context(), "summarize")
	report, err := a.RunSummarize(ctx)
	printJSON(report)
	return err
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
