package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	DataDir            string `mapstructure:"data_dir"`
	DBPath             string `mapstructure:"db_path"`
	UserWorkflowDir    string `mapstructure:"user_workflow_dir"`
	ProjectWorkflowDir string `mapstructure:"workflow_dir"`
	KeepArtifacts      bool   `mapstructure:"keep_artifacts"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Serve struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"serve"`

	Secrets struct {
		Prefix string   `mapstructure:"prefix"`
		File   string   `mapstructure:"file"`
		Names  []string `mapstructure:"names"`
	} `mapstructure:"secrets"`
}

// New loads defaults, then an optional cirun.yaml, then CIRUN_* variables.
func New() (*Config, error) {
	return Load(viper.New())
}

// Load reads configuration through v so tests can supply their own.
func Load(v *viper.Viper) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := filepath.Join(homeDir, ".cirun")
	if env, ok := os.LookupEnv("CIRUN_DATA_DIR"); ok {
		dataDir = env
	}

	v.SetDefault("data_dir", dataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("user_workflow_dir", "")
	v.SetDefault("workflow_dir", ".cirun/workflows")
	v.SetDefault("keep_artifacts", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("serve.addr", ":8080")
	v.SetDefault("secrets.prefix", "CIRUN_SECRET_")
	v.SetDefault("secrets.file", "")
	v.SetDefault("secrets.names", []string{"GITHUB_TOKEN", "SONAR_TOKEN", "CODECOV_TOKEN"})

	v.SetConfigName("cirun")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix("CIRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "cirun.db")
	}
	if c.UserWorkflowDir == "" {
		c.UserWorkflowDir = filepath.Join(c.DataDir, "workflows")
	}

	return &c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserWorkflowDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// WorkflowDirs lists where workflow files are searched, project first.
func (c *Config) WorkflowDirs() []string {
	return []string{c.ProjectWorkflowDir, c.UserWorkflowDir}
}
