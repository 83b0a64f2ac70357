// Command opensai serves the unified SECOP contractor search over the
// Colombian open-data Socrata API.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
