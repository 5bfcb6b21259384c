package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/micromdm/nanoflow/flow"

	"github.com/spf13/cobra"
)

var flowID string

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Manage flow definitions",
}

var flowPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Validate and upload a JSON or YAML flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := readFlow(args[0])
		if err != nil {
			return err
		}
		if flowID != "" {
			f.ID = flowID
		}
		if f.ID == "" {
			return fmt.Errorf("flow in %s has no id", args[0])
		}
		if err = flow.Validate(f); err != nil {
			return err
		}
		if err = api.do(cmd.Context(), "PUT", "/v1/flow/"+f.ID, "", f, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), f.ID)
		return nil
	},
}

var flowValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a JSON or YAML flow locally",
	Args:  cobra.ExactArgs(1),
	// no server needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := readFlow(args[0])
		if err != nil {
			return err
		}
		if err = flow.Validate(f); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes)\n", args[0], len(f.Nodes))
		return nil
	},
}

var flowGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a flow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := new(flow.Flow)
		if err := api.do(cmd.Context(), "GET", "/v1/flow/"+args[0], "", nil, f); err != nil {
			return err
		}
		return printJSON(cmd, f)
	},
}

var flowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flow ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var ids []string
		if err := api.do(cmd.Context(), "GET", "/v1/flows", "", nil, &ids); err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var flowDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a flow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return api.do(cmd.Context(), "DELETE", "/v1/flow/"+args[0], "", nil, nil)
	},
}

func init() {
	flowPutCmd.Flags().StringVar(&flowID, "id", "", "override the flow id")

	flowCmd.AddCommand(flowPutCmd)
	flowCmd.AddCommand(flowValidateCmd)
	flowCmd.AddCommand(flowGetCmd)
	flowCmd.AddCommand(flowListCmd)
	flowCmd.AddCommand(flowDeleteCmd)
}

// readFlow reads a flow document from path.
// Files with a .yaml or .yml extension are read as YAML.
func readFlow(path string) (*flow.Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return flow.ParseYAML(raw)
	}
	return flow.Parse(raw)
}
