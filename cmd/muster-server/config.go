package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/musterhq/muster/internal/api/http"
	"github.com/musterhq/muster/internal/db"
)

type Config struct {
	Log   LogConfig
	Http  http.Config
	Store db.Config
	Blob  BlobConfig
	Poll  PollConfig
}

type BlobConfig struct {
	Dir string `mapstructure:"dir"`
}

type PollConfig struct {
	// DefaultIntervalSeconds applies to agents without a stored poll setting.
	// Zero keeps polling off until configured per agent.
	DefaultIntervalSeconds int `mapstructure:"default_interval_seconds"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/muster-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
