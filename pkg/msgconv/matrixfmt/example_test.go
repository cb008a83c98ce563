// Copyright 2024-2026 Aiku AI

package matrixfmt_test

import (
	"fmt"

	"github.com/aiku/mautrix-bridgecore/pkg/msgconv/matrixfmt"
)

func ExampleParse() {
	md := matrixfmt.Parse("hello world", "<strong>hello</strong> <em>world</em>")
	fmt.Println(md)
	// Output: **hello** _world_
}
