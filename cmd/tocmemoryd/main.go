// Command tocmemoryd runs the conversational-memory engine: event
// ingestion, TOC rollups, the BM25/vector/topic indexing pipeline, and the
// scheduler that drives all of it.
package main

import (
	"fmt"
	"os"

	"github.com/tocmemory/engine/cmd/tocmemoryd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
