// Package crosscheck holds shared metadata for the crosscheck web console.
package crosscheck

// Version is the crosscheck release version.
const Version = "0.2.0"
