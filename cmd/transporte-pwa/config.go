package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Version          string   `yaml:"version"`
	AppName          string   `yaml:"appName"`
	APIPrefix        string   `yaml:"apiPrefix"`
	OfflinePath      string   `yaml:"offlinePath"`
	StaticAssets     []string `yaml:"staticAssets"`
	NetworkTimeoutMS int      `yaml:"networkTimeoutMs"`
	MaxCacheAgeHours int      `yaml:"maxCacheAgeHours"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
