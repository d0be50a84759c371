// Package storage persists what must survive a restart: the acknowledged
// cursor of each registration and the log of sink failures that were
// acknowledged anyway.
package storage
