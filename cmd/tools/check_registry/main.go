// check_registry parses and validates a registry document offline and
// prints the task plan for a set of signal ids. Useful before pushing a
// new registry to IPFS.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"pricehub/internal/planner"
	"pricehub/internal/registry"
)

func main() {
	var (
		path    string
		signals string
	)
	flag.StringVar(&path, "file", "", "path to registry JSON (required)")
	flag.StringVar(&signals, "signals", "", "comma-separated signal ids to plan; default all")
	flag.Parse()

	if path == "" {
		flag.Usage()
		os.Exit(2)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}

	reg, err := registry.Parse(data)
	if err != nil {
		log.Fatalf("parse: %v", err)
	}
	valid, err := registry.Validate(reg)
	if err != nil {
		log.Fatalf("validate: %v", err)
	}
	fmt.Printf("registry OK: %d signals\n", valid.Len())

	ids := valid.SignalIDs()
	if signals != "" {
		ids = ids[:0]
		for _, id := range strings.Split(signals, ",") {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				ids = append(ids, trimmed)
			}
		}
	}

	plan, err := planner.New(valid, ids)
	if err != nil {
		log.Fatalf("plan: %v", err)
	}

	sources := make([]string, 0, len(plan.SourceTasks))
	for source := range plan.SourceTasks {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	fmt.Println("source tasks:")
	for _, source := range sources {
		fmt.Printf("  %s: %s\n", source, strings.Join(plan.SourceTasks[source], ", "))
	}
	fmt.Println("evaluation order:")
	for i, layer := range plan.SignalLayers {
		fmt.Printf("  round %d: %s\n", i+1, strings.Join(layer, ", "))
	}
}
