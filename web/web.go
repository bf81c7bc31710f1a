// Package web embeds the single page shell and the browser icons served
// at the root paths. The shell is self contained: one HTML file, no
// external assets, so the reader works with nothing but the API.
package web

import _ "embed"

//go:embed index.html
var IndexHTML []byte

//go:embed favicon.png
var FaviconPNG []byte

//go:embed apple-touch-icon.png
var AppleTouchIconPNG []byte
