// Package consts houses constants needed across the agent.
package consts

import "fmt"

// Version is the current agent version, reported to the server and appended
// to the browser user agent.
const Version = 26

// Banner returns the one line banner printed at startup.
func Banner() string {
	return fmt.Sprintf("perfwatch agent v%d", Version)
}

// UAToken returns the marker token appended to the browser's user agent so
// measured pages can identify agent traffic.
func UAToken() string {
	return fmt.Sprintf("PTST/%d", Version)
}
