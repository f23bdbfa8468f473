package can

import "time"

var processStart = time.Now()

// Now returns monotonic seconds since process start. Frame timestamps across
// the bridge are expressed on this clock.
func Now() float64 { return time.Since(processStart).Seconds() }
