package main

import (
	"os"

	"github.com/shouni/avatar-image-kit/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
