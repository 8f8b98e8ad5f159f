/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package main

import (
	"github.com/bosagora/agora-registry/cmd/registry-cli/cmd"
)

func main() {
	cmd.Execute()
}
