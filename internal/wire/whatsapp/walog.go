package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	logx "wafleet/pkg/logx"
)

// walog adapts logx.Logger to the library's printf-style logger.
type walog struct {
	log logx.Logger
}

func newWALog(log logx.Logger) waLog.Logger { return walog{log: log} }

func (w walog) Debugf(msg string, args ...interface{}) { w.out(logx.LevelDebug, msg, args) }
func (w walog) Infof(msg string, args ...interface{})  { w.out(logx.LevelInfo, msg, args) }
func (w walog) Warnf(msg string, args ...interface{})  { w.out(logx.LevelWarn, msg, args) }
func (w walog) Errorf(msg string, args ...interface{}) { w.out(logx.LevelError, msg, args) }

func (w walog) Sub(module string) waLog.Logger {
	return walog{log: w.log.With(logx.String("module", module))}
}

func (w walog) out(level logx.Level, msg string, args []interface{}) {
	if !w.log.Enabled(level) {
		return
	}
	w.log.Log(level, fmt.Sprintf(msg, args...))
}
