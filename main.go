// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🍼 Carelum Local-First Sync Engine")
	fmt.Println("==================================")
	fmt.Println()
	fmt.Println("This module contains the synchronization layer of the Carelum childcare")
	fmt.Println("client: every mutation completes instantly against the local store while")
	fmt.Println("the backend is updated asynchronously with retries and id promotion.")
	fmt.Println()

	fmt.Println("📚 Where to look:")
	fmt.Println()
	fmt.Println("1. 📱 Engine library (caresync/)")
	fmt.Println("   Local store, sequence allocator, id reconciler, retrying writer,")
	fmt.Println("   background sync worker, REST gateway with direct-database fallback,")
	fmt.Println("   and the change bridge for server-pushed events.")
	fmt.Println()

	fmt.Println("2. 🛠  Developer CLI (cmd/carelumsync/)")
	fmt.Println("   Runs the engine against a captured device database.")
	fmt.Println("   Run: cd cmd/carelumsync && go run . run")
	fmt.Println()
}
