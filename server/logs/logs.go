/******************************************************************************
 *
 *  Description :
 *    Package exposes info, warning and error loggers.
 *
 *****************************************************************************/
package logs

import (
	"log"
	"os"
)

var (
	Info    = log.New(os.Stdout, "I", log.LstdFlags)
	Warning = log.New(os.Stdout, "W", log.LstdFlags)
	Error   = log.New(os.Stdout, "E", log.LstdFlags)
)

// Init reconfigures the default loggers with the given flags, e.g. to add
// file:line markers in debug builds.
func Init(flags int) {
	Info = log.New(os.Stdout, "I", flags)
	Warning = log.New(os.Stdout, "W", flags)
	Error = log.New(os.Stdout, "E", flags)
}
