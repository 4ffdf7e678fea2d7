// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🌾 go-fieldsync - Offline-First Field Capture Library")
	fmt.Println("=====================================================")
	fmt.Println()
	fmt.Println("go-fieldsync lets field devices capture scans fully offline, finalize them")
	fmt.Println("into numbered immutable records, and sync them to a backend exactly once.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Backend Server Example (examples/backend_server/)")
	fmt.Println("   The record sync API over Postgres with JWT auth")
	fmt.Println("   Features: idempotent upsert, compensating delete, record listing")
	fmt.Println("   Run: cd examples/backend_server && go run .")
	fmt.Println()

	fmt.Println("2. 📱 Field Device Example (examples/field_device/)")
	fmt.Println("   Simulated device session: scan, finalize, go online, sync")
	fmt.Println("   Features: duplicate rejection, document numbering, background sync")
	fmt.Println("   Run: cd examples/field_device && go run .")
	fmt.Println()
}
