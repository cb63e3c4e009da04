package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moolen/loom/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema utilities",
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a schema YAML file",
	Long: `Parse and validate a schema YAML file without registering it.
Prints all errors and warnings; exits non-zero if the schema is invalid.`,
	Args: cobra.ExactArgs(1),
	Run:  runSchemaValidate,
}

func init() {
	schemaCmd.AddCommand(schemaValidateCmd)
}

func runSchemaValidate(cmd *cobra.Command, args []string) {
	path := args[0]

	data, err := os.ReadFile(path)
	if err != nil {
		HandleError(err, "Failed to read schema file")
	}

	s, err := schema.Parse(data)
	if err != nil {
		HandleError(err, "Failed to parse schema")
	}

	warnings, err := s.Validate()
	for _, w := range warnings {
		fmt.Printf("warning: %s: %s\n", w.Field, w.Message)
	}
	if err != nil {
		var invalid *schema.InvalidError
		if errors.As(err, &invalid) {
			for _, ve := range invalid.Errors {
				fmt.Fprintf(os.Stderr, "error: %s: %s", ve.Field, ve.Message)
				if ve.Suggestion != "" {
					fmt.Fprintf(os.Stderr, " (did you mean %q?)", ve.Suggestion)
				}
				fmt.Fprintln(os.Stderr)
			}
			fmt.Fprintf(os.Stderr, "%s: invalid (%d error(s), %d warning(s))\n", path, len(invalid.Errors), len(warnings))
			os.Exit(1)
		}
		HandleError(err, "Schema validation failed")
	}

	fmt.Printf("%s: valid (%d node(s), %d relationship(s), %d warning(s))\n",
		path, len(s.Nodes), len(s.Relationships), len(warnings))
}
