package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// sink consumes records from its own queue until the queue is closed or ctx is done.
// Failures on single records are counted in st and must not stop the loop.
type sink interface {
	name() string
	run(ctx context.Context, q <-chan record, st *sinkStats) error
	close() error
}

type sinkFactory func(c *config, st *stats) (sink, error)

var sinkFactories = map[string]sinkFactory{}

// register is called from init() of every sink implementation
func register(name string, factory sinkFactory) {
	if factory == nil {
		panic(fmt.Sprintf("sink factory %s is nil", name))
	}

	if _, ok := sinkFactories[name]; ok {
		panic(fmt.Sprintf("sink factory %s registered twice", name))
	}

	sinkFactories[name] = factory
}

func availableSinks() (names []string) {
	for k := range sinkFactories {
		names = append(names, k)
	}

	sort.Strings(names)
	return
}

func createSink(name string, c *config, st *stats) (sink, error) {
	factory, ok := sinkFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown sink '%s', must be one of: %s", name, strings.Join(availableSinks(), ", "))
	}

	return factory(c, st)
}
