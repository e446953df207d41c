package p11cert

import (
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const DefaultMaxSessionCount = 4

type Config struct {
	General  GeneralConfig
	Criptoki CriptokiConfig
	Sqlite3  Sqlite3Config
	LevelDB  LevelDBConfig
}

type GeneralConfig struct {
	LogFile       string
	LogMaxSize    int `validate:"gte=0"`
	LogMaxBackups int `validate:"gte=0"`
	LogMaxAge     int `validate:"gte=0"`
}

type CriptokiConfig struct {
	ModulePath      string `validate:"required"`
	TokenLabel      string `validate:"max=32"`
	Pin             string
	MaxSessionCount int    `validate:"gte=1"`
	DatabaseType    string `validate:"omitempty,oneof=sqlite3 leveldb"`
}

type Sqlite3Config struct {
	Path string
}

type LevelDBConfig struct {
	Path string
}

// LoadConfig reads the configuration file at path, or looks for a file
// named config in the default locations when path is empty. Values can be
// overridden with P11CERT_ prefixed environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/etc/p11cert/")
		v.AddConfigPath("$HOME/.p11cert")
		v.AddConfigPath("./")
	}
	v.SetDefault("criptoki.maxsessioncount", DefaultMaxSessionCount)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "config file not found")
	}
	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := envconfig.Process("p11cert", &conf); err != nil {
		return nil, errors.Wrap(err, "reading environment")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (conf *Config) Validate() error {
	if err := validator.New().Struct(conf); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}
