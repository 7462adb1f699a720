// Package spec ships the OpenAPI description of the HTTP surface so the
// server can serve its own contract at /openapi.yaml.
package spec

import _ "embed"

//go:embed openapi.yaml
var OpenAPI []byte
