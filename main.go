// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/doofapp/doof/cmd"
)

var Version = "development"

func main() {
	cmd.Execute(Version)
}
