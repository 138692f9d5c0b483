package env

import (
	"github.com/kelseyhightower/envconfig"
	"log"
	"log/slog"
	"sync"
	"time"
)

type Specification struct {
	Version  int
	Env      string `default:"production"`
	LogLevel string `default:"info" split_words:"true"`

	ServerPort                 string        `default:":8080" split_words:"true"`
	ServerReadTimeoutInSecond  time.Duration `default:"10s" split_words:"true"`
	ServerWriteTimeoutInSecond time.Duration `default:"10s" split_words:"true"`
	ServerMaxHeaderBytes       int           `default:"1048576" split_words:"true"`
	ApiKeys                    []string      `split_words:"true"`

	// StoreDriver selects the remote store: memory, redis or postgres.
	StoreDriver string `default:"memory" split_words:"true"`

	RedisAddr     string `default:"localhost:6379" split_words:"true"`
	RedisPassword string `default:"" split_words:"true"`
	RedisDb       int    `default:"0" split_words:"true"`
	RedisPoolSize int    `default:"100" split_words:"true"`

	DatabaseUrl      string `split_words:"true"`
	DatabaseMaxConns int    `default:"10" split_words:"true"`

	ConfigFile string `default:"./config.yaml" split_words:"true"`
}

var (
	once        sync.Once
	envInstance Specification
)

func GetEnv() *Specification {
	once.Do(func() {
		slog.Info("initializing env...")
		err := envconfig.Process("app", &envInstance)
		if err != nil {
			log.Fatal(err.Error())
		}
	})

	return &envInstance
}
