// Package web holds the dashboard page served at /.
package web

import "embed"

// FS contains the dashboard assets.
//
//go:embed index.html style.css app.js
var FS embed.FS
