package main

import (
	"TradeLedger/cmd/ledgerctl/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
