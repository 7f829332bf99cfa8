package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"chorus/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and scaffold chorus configuration",
	}
	configCmd.AddCommand(
		newConfigInitCommand(),
		newConfigValidateCommand(ctx),
		newConfigShowCommand(ctx),
	)
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		targetPath string
		overwrite  bool
	)

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample config.toml",
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := initTarget(targetPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if !overwrite {
				_, statErr := os.Stat(target)
				switch {
				case statErr == nil:
					return fmt.Errorf("%s already exists; pass --overwrite to replace it", target)
				case !errors.Is(statErr, fs.ErrNotExist):
					return fmt.Errorf("check config path: %w", statErr)
				}
			}
			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Set api_token and, for remote storage, the [remote] credentials before starting the daemon.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func initTarget(flagValue string) (string, error) {
	if target := strings.TrimSpace(flagValue); target != "" {
		expanded, err := config.ExpandPath(target)
		if err != nil {
			return "", fmt.Errorf("resolve config path: %w", err)
		}
		return expanded, nil
	}
	target, err := config.DefaultConfigPath()
	if err != nil {
		return "", fmt.Errorf("determine default config path: %w", err)
	}
	return target, nil
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report where it points",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			source := ctx.configPath
			if _, err := os.Stat(source); errors.Is(err, fs.ErrNotExist) {
				source += " (missing, defaults used)"
			}
			remote := "-"
			if cfg.RemoteEnabled() {
				remote = cfg.Remote.Endpoint + "/" + cfg.Remote.Bucket
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderKeyValues([][2]string{
				{"Config", source},
				{"Storage", cfg.Export.Storage},
				{"Remote", remote},
				{"Database", cfg.DatabasePath()},
				{"API bind", orDash(cfg.Paths.APIBind)},
				{"Quota guard", yesNo(cfg.Quota.Enabled)},
			}))
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, err := cfg.EncodeTOML()
			if err != nil {
				return err
			}
			if ctx.outputFormat() != outputTable {
				var tree map[string]any
				if err := toml.Unmarshal(data, &tree); err != nil {
					return fmt.Errorf("decode effective config: %w", err)
				}
				_, err := ctx.emit(cmd, tree)
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
