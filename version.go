// Package shardbench drives sharded key-value experiments across a fleet
// of remote hosts.
package shardbench

// Version is the shardbench release version.
const Version = "v0.3.0"
