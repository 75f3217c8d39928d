package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage automaton configuration",
	Long: sym.AM + ` am - Manage automaton configuration

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/automaton/am.toml)
3. User config (~/.automaton/am.toml)
4. Project config (./am.toml, searched up from the working directory)
5. Environment variables (AUTOMATON_* prefix)

Examples:
  automaton am show                    # Show current configuration
  automaton am show --format json      # Show configuration in JSON format
  automaton am where                   # Show which source set each value
  automaton am init                    # Write a default config file
  automaton am pause                   # Pause execution on a running engine`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each configuration value comes from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long: `Write the default configuration as TOML. Without a path the project
am.toml is used when one exists, otherwise ~/.automaton/am.toml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAmInit,
}

var amPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause schedule execution",
	Long: `Set engine.execution_paused in the writable config file. A running engine
watches that file and stops executing; triggers keep firing and schedules
keep preparing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error { return setExecutionPaused(true) },
}

var amResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume schedule execution",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setExecutionPaused(false) },
}

var (
	configFormat string
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file (a backup is kept)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amPauseCmd)
	AmCmd.AddCommand(amResumeCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	// The settings map keeps the file's key names; Config only has mapstructure tags
	settings := am.GetViper().AllSettings()

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# automaton configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# automaton configuration\n%s", string(data))

	default:
		return errors.WithHint(
			errors.Newf("unsupported format: %s", configFormat),
			"supported formats: toml, json, yaml")
	}
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	table := pterm.TableData{{"Key", "Value", "Source", "File"}}
	for _, s := range am.Introspect() {
		table = append(table, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	pterm.Info.Printfln("Edits go to %s", am.WritablePath())
	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.WritablePath()
	if len(args) == 1 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", path)
	}
	if err := am.WriteDefault(abs, initForce); err != nil {
		return err
	}
	pterm.Success.Printfln("Wrote default configuration to %s", abs)
	return nil
}

func setExecutionPaused(paused bool) error {
	path := am.WritablePath()
	if err := am.SetValue(path, "engine.execution_paused", paused); err != nil {
		return err
	}
	if paused {
		pterm.Success.Printfln("Execution paused (%s)", path)
	} else {
		pterm.Success.Printfln("Execution resumed (%s)", path)
	}
	return nil
}
