package main

import "github.com/spf13/viper"

func initViperDefaults() {
	viper.SetDefault("state.dir", "~/.ccdd")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("logging.file", "")
	viper.SetDefault("logging.file_max_size_mb", 20)
	viper.SetDefault("logging.file_max_backups", 5)
	viper.SetDefault("logging.file_max_age_days", 14)
	viper.SetDefault("logging.file_only", false)

	viper.SetDefault("queue.max_size", 10)
	viper.SetDefault("queue.max_prompt_chars", 10000)
	viper.SetDefault("queue.task_timeout", "10m")

	viper.SetDefault("claude.bin", "claude")
	viper.SetDefault("claude.timeout", "5m")

	viper.SetDefault("shortcuts.max_per_chat", 20)

	viper.SetDefault("project.default_dir", "")

	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.allowed_chat_ids", []string{})
	viper.SetDefault("telegram.poll_timeout", "50s")

	viper.SetDefault("feishu.app_id", "")
	viper.SetDefault("feishu.app_secret", "")
	viper.SetDefault("feishu.ws_url", "")
	viper.SetDefault("feishu.allowed_chat_ids", []string{})
}
