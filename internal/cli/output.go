package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// printResult renders a command's result as pretty JSON or, for text
// mode, falls back to Go's default struct formatting — ledgerctl's
// outputs are operator-facing diagnostics, not a stable machine API
// beyond the json form.
func printResult(cmd *cobra.Command, root *RootOptions, v interface{}) error {
	w := cmd.OutOrStdout()
	if root.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintf(w, "%+v\n", v)
	return err
}
