package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Server  Server  `yaml:"server" json:"server"` // configuration of the public REST server
	Name    string  `yaml:"name" json:"name" env:"APP_NAME"`
	Engine  Engine  `yaml:"engine" json:"engine"`
	Tracing Tracing `yaml:"tracing" json:"tracing"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Engine struct {
	// TimerPollInterval is the polling cycle of the timer manager
	TimerPollInterval time.Duration `yaml:"timerPollInterval" json:"timerPollInterval" env:"ENGINE_TIMER_POLL_INTERVAL" env-default:"1s"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
	Name     string `yaml:"name" json:"name" env:"TRACING_NAME"`
	// TransferHeaders are request headers copied onto spans
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"TRACING_TRANSFER_HEADERS"`
}

func (c Config) defaults() Config {
	if c.Name == "" {
		c.Name = "flowent"
	}
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
