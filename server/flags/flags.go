package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	Config     = "config"
	LogFormat  = "log-format"
	LogLevel   = "log-level"
	LogSource  = "log-source"
	NodePrefix = "node-prefix"
	Adopt      = "adopt"

	QueueRedisAddr = "queue-redis-addr"
	QueueRedisDB   = "queue-redis-db"
	QueuePrefix    = "queue-prefix"

	MetricsListen = "metrics-listen"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// EHOS
	flags.String(Config, "/usr/local/etc/ehos/ehos.yaml", "configuration file, read again at every cycle")
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(NodePrefix, "ehos", "prefix of the names of the nodes")
	flags.Bool(Adopt, true, "adopt the servers already running under the node prefix at startup")

	// Queue
	flags.String(QueueRedisAddr, "localhost:6379", "address of the redis server holding the job queue")
	flags.Int(QueueRedisDB, 0, "redis database of the job queue")
	flags.String(QueuePrefix, "ehos", "prefix of the redis keys of the job queue")

	// Metrics
	flags.String(MetricsListen, "", "listening address of the prometheus endpoint, disabled when empty")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("ehos")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
