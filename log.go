package p11cert

import (
	"log"

	"github.com/natefinch/lumberjack"
)

// SetupLogging sends the standard logger to a rotating log file when one is
// configured. Without a log file the logger is left untouched.
func SetupLogging(conf GeneralConfig) {
	if conf.LogFile == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   conf.LogFile,
		MaxSize:    conf.LogMaxSize,
		MaxBackups: conf.LogMaxBackups,
		MaxAge:     conf.LogMaxAge,
	})
}
