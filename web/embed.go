// Package web embeds the form page template and its static assets.
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates static
var files embed.FS

// Templates returns the HTML template files.
func Templates() fs.FS {
	return files
}

// StaticFS returns the static assets rooted at static/.
func StaticFS() (fs.FS, error) {
	return fs.Sub(files, "static")
}
