// Command sdp talks to the ServiceDesk Plus API: it proxies resource calls
// over HTTP (serve), pages through list endpoints (list) and checks the OAuth
// client (token).
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
