// Package templates embeds the default configuration and the operator guide
// written by `phasegate init`.
package templates

import "embed"

//go:embed config.yaml phasegate.md
var FS embed.FS
