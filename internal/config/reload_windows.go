//go:build windows

package config

import "os"

// Windows has no SIGHUP; reloads come from the file watcher only.
var reloadSignals []os.Signal
