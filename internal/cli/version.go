package cli

import (
	"encoding/json"
	"fmt"

	"github.com/lattiq/bulkmail"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewVersionCommand prints build metadata.
func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show bulkmail version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := bulkmail.GetVersionInfo()
			writer := cmd.OutOrStdout()

			switch outputFormat {
			case "json":
				encoder := json.NewEncoder(writer)
				encoder.SetIndent("", "  ")
				return encoder.Encode(info)
			case "yaml":
				data, err := yaml.Marshal(info)
				if err != nil {
					return fmt.Errorf("failed to marshal to YAML: %w", err)
				}
				_, _ = fmt.Fprint(writer, string(data))
				return nil
			default:
				_, _ = fmt.Fprintf(writer, "%s\n%s\n", info.UserAgent(), info)
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: json, yaml")
	return cmd
}
