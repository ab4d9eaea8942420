// Package checkpoint tracks checkpoint generations and the pins scans hold
// on them. A scan pins the last completed generation when it starts; pages
// of pinned generations must stay readable until the pin is released.
package checkpoint
