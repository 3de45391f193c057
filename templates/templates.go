// Package templates ships the built in workflow templates.
package templates

import _ "embed"

//go:embed default.yaml
var defaultTemplates []byte

// Default returns the bundled template document.
func Default() []byte {
	return append([]byte(nil), defaultTemplates...)
}
