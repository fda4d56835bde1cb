package geoloc

import "log"

// Logf is the package diagnostic logger. It defaults to log.Printf; callers
// may replace it (tests usually mute it).
var Logf = log.Printf
