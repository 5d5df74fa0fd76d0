package common

import (
	"fmt"
	"log"
	"os"
)

var syslogger = log.New(os.Stdout, "", log.LstdFlags)
var errlogger = log.New(os.Stderr, "", log.LstdFlags)

func SysLog(s string) {
	syslogger.Println("[SYS] " + s)
}

func SysError(s string) {
	errlogger.Println("[ERR] " + s)
}

func LogWarn(format string, args ...interface{}) {
	syslogger.Println("[WARN] " + fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...interface{}) {
	if DebugEnabled {
		syslogger.Println("[DEBUG] " + fmt.Sprintf(format, args...))
	}
}
