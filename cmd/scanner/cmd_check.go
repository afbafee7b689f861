package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "校验配置并打印生效值",
	Long: `加载配置文件、.env 与 TRIARB_* 环境变量，应用默认值并校验，
校验通过时以 YAML 打印最终生效的配置。

Examples:
  scanner check-config --config config.yaml`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "# 配置有效")
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
