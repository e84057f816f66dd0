package syncutil

import "time"

// HoldLimit is the longest a Mutex may be held before a deadlock build
// reports it.
const HoldLimit = time.Minute
