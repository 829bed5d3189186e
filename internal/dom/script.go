package dom

import _ "embed"

// DefaultExtractionScript is the built-in in-page extraction routine. The
// config layer may substitute a custom script; both must honor the payload
// contract in api/schemas.
//
//go:embed extract.js
var DefaultExtractionScript string
