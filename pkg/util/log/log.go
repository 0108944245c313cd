package log

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/weaveworks/common/logging"
)

// Logger is the process-wide logger. It discards everything until
// InitLogger runs.
var Logger = log.NewNopLogger()

type Config struct {
	Format logging.Format `yaml:"format"`
	Level  logging.Level  `yaml:"level"`
}

// RegisterFlags registers -log.format and -log.level.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Format.RegisterFlags(f)
	c.Level.RegisterFlags(f)
}

func InitLogger(cfg *Config) log.Logger {
	w := log.NewSyncWriter(os.Stderr)

	var l log.Logger
	if cfg.Format.String() == "json" {
		l = log.NewJSONLogger(w)
	} else {
		l = log.NewLogfmtLogger(w)
	}

	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
	Logger = level.NewFilter(l, cfg.Level.Gokit)
	return Logger
}

// Module returns Logger tagged with the module that logs.
func Module(name string) log.Logger {
	return log.With(Logger, "module", name)
}

func CheckFatal(location string, err error) {
	if err == nil {
		return
	}

	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	_ = logger.Log("err", fmt.Sprintf("%+v", err))
	os.Exit(1)
}
