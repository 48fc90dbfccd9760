// ABOUTME: Embedded HTML templates for the viewer page
// ABOUTME: The viewer runs the passkey ceremony in the browser and shows the container

package web

import "embed"

//go:embed templates/*.html
var templateFS embed.FS
