package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"treeeval/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout(), format)
		},
	}
	showCmd.Flags().StringVar(&format, "format", "text", "output format (text|json|yaml)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			cmd.Println("configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r.cfg)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r.cfg); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	fmt.Fprintf(w, "Config file: %s\n", config.Path())
	fmt.Fprintf(w, "\nEvaluation:\n")
	fmt.Fprintf(w, "  Plot marker:      %s\n", r.cfg.Evaluation.PlotMarker)
	fmt.Fprintf(w, "  Ground truth:     *%s, source %s\n", r.cfg.Evaluation.GroundTruthExt, r.cfg.Evaluation.SourceTag)
	fmt.Fprintf(w, "  Captures:         *%s\n", r.cfg.Evaluation.CaptureExt)
	fmt.Fprintf(w, "  Platforms:        %v\n", r.cfg.Evaluation.Platforms)
	fmt.Fprintf(w, "  Malformed policy: %s\n", r.cfg.Evaluation.MalformedPolicy)
	fmt.Fprintf(w, "\nImporter:\n")
	fmt.Fprintf(w, "  Binary:           %s %s\n", r.cfg.Tools.Importer.Binary, r.cfg.Tools.Importer.Subcommand)
	fmt.Fprintf(w, "  Timeout:          %ds\n", r.cfg.Tools.Importer.TimeoutSeconds)
	fmt.Fprintf(w, "\nPaths:\n")
	fmt.Fprintf(w, "  Report:           %s\n", r.cfg.Paths.Report)
	fmt.Fprintf(w, "  Output:           %s\n", r.cfg.Paths.OutputDir)
	fmt.Fprintf(w, "  Database:         %s\n", r.cfg.Paths.DatabasePath)
	fmt.Fprintf(w, "\nLog level: %s (%s)\n", r.cfg.Logging.Level, r.cfg.Logging.Format)
	fmt.Fprintf(w, "Server:    %s\n", r.cfg.Server.Addr)
	return nil
}
