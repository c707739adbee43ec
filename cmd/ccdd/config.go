package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type sampleConfig struct {
	State struct {
		Dir string `yaml:"dir"`
	} `yaml:"state"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`
	Queue struct {
		MaxSize        int    `yaml:"max_size"`
		MaxPromptChars int    `yaml:"max_prompt_chars"`
		TaskTimeout    string `yaml:"task_timeout"`
	} `yaml:"queue"`
	Claude struct {
		Bin     string `yaml:"bin"`
		Timeout string `yaml:"timeout"`
	} `yaml:"claude"`
	Project struct {
		DefaultDir string `yaml:"default_dir"`
	} `yaml:"project"`
	Telegram struct {
		BotToken       string   `yaml:"bot_token"`
		AllowedChatIDs []string `yaml:"allowed_chat_ids"`
	} `yaml:"telegram"`
	Feishu struct {
		AppID          string   `yaml:"app_id"`
		AppSecret      string   `yaml:"app_secret"`
		WSURL          string   `yaml:"ws_url"`
		AllowedChatIDs []string `yaml:"allowed_chat_ids"`
	} `yaml:"feishu"`
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config helpers",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var c sampleConfig
			c.State.Dir = "~/.ccdd"
			c.Logging.Level = "info"
			c.Logging.Format = "text"
			c.Queue.MaxSize = 10
			c.Queue.MaxPromptChars = 10000
			c.Queue.TaskTimeout = "10m"
			c.Claude.Bin = "claude"
			c.Claude.Timeout = "5m"

			data, err := yaml.Marshal(&c)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Destination file (default stdout).")
	return cmd
}
