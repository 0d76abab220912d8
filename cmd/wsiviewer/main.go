// Command wsiviewer is the headless CLI entry point for the client-side
// whole-slide-image viewer core.
package main

import "github.com/eosin-platform/wsiviewer/internal/cliapp"

func main() {
	cliapp.Execute()
}
