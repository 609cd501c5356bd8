package web

import "embed"

// FS holds the station status page.
//
//go:embed *.html *.css *.js
var FS embed.FS
