package monitoring

import "log"

// Logf carries the package's diagnostic output. The default writes through
// log.Printf; call SetLogger to redirect it or to silence it in tests.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger swaps the diagnostic sink. A nil f installs a discard logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
