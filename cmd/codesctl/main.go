// Command codesctl administers the activation code pool: schema migration,
// importing codes, pool statistics and Telegram webhook registration.
//
// It reads the same environment (and .env file) as the server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}
