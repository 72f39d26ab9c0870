package main

import (
	"github.com/medlink-ai/wa-courier/cmd"
)

func main() {
	cmd.Execute()
}
