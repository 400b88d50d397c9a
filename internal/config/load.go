package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	supportedExtensions  = []string{".json", ".yaml", ".yml", ".toml"}
	supportedConfigNames = []string{"hgdeploy.yaml", "hgdeploy.yml", "hgdeploy.json", "hgdeploy.toml"}
)

// FindConfigFile resolves path to a config file. path may be a file, a
// directory containing an hgdeploy config file, or empty for the config
// directory.
func FindConfigFile(path string) (string, error) {
	if path == "" {
		dir, err := ConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to determine config directory: %w", err)
		}
		path = dir
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	stat, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("path does not exist: %s", absPath)
	}

	if !stat.IsDir() {
		ext := filepath.Ext(absPath)
		if !slices.Contains(supportedExtensions, ext) {
			return "", fmt.Errorf("file %s is not a valid hgdeploy config file (must be .json, .yaml, .yml, or .toml)", absPath)
		}
		return absPath, nil
	}

	for _, configName := range supportedConfigNames {
		configPath := filepath.Join(absPath, configName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	return "", fmt.Errorf("no hgdeploy config file found in %s (expected one of %v)", absPath, supportedConfigNames)
}

// Load finds, parses, normalizes and validates the config. It also returns
// the file format, which decides the field names used in error messages.
func Load(path string) (*Config, string, error) {
	configFile, err := FindConfigFile(path)
	if err != nil {
		return nil, "", err
	}

	format, err := getConfigFormat(configFile)
	if err != nil {
		return nil, "", err
	}

	cfg, err := parse(configFile, format)
	if err != nil {
		return nil, format, err
	}

	cfg.Normalize()
	if err := cfg.Validate(format); err != nil {
		return nil, format, err
	}
	return cfg, format, nil
}

func parse(configFile, format string) (*Config, error) {
	parser, err := getConfigParser(format)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(configFile), parser); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := checkUnknownFields(reflect.TypeOf(Config{}), k.Keys(), format); err != nil {
		return nil, err
	}

	var cfg Config
	decoderConfig := &mapstructure.DecoderConfig{
		TagName:     format,
		Result:      &cfg,
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			durationDecodeHook(),
			hostListDecodeHook(),
		),
	}

	unmarshalConf := koanf.UnmarshalConf{
		Tag:           format,
		DecoderConfig: decoderConfig,
	}

	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
