package main

import (
	"fmt"
	"hive-chat/internal/command"
	"os"
)

func main() {
	if err := command.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
