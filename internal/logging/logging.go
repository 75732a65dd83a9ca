// Package logging is a thin wrapper over the standard logger used by the
// background loops. CLI commands print to stdout directly.
package logging

import (
	"log"
	"time"
)

func Infof(format string, args ...any) {
	log.Printf("INFO  %s "+format, append([]any{time.Now().UTC().Format(time.RFC3339)}, args...)...)
}

func Errorf(format string, args ...any) {
	log.Printf("ERROR %s "+format, append([]any{time.Now().UTC().Format(time.RFC3339)}, args...)...)
}
