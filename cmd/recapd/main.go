// Command recapd is the news-recap daemon and operator CLI: RSS ingestion,
// semantic dedup, the durable LLM task queue, and the recap pipeline.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
