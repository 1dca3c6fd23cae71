// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-fieldsync - Offline Survey Queue and Sync Engine")
	fmt.Println("===================================================")
	fmt.Println()
	fmt.Println("go-fieldsync keeps survey submissions safe on field devices with intermittent")
	fmt.Println("connectivity: records are queued durably when offline and drained in FIFO order")
	fmt.Println("when the device reconnects.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println("  fieldqueue/            - durable queue, connectivity monitor, sync engine, submit facade")
	fmt.Println("  fieldqueue/puresqlite/ - cgo-free queue database driver")
	fmt.Println("  fieldqueue/statusws/   - queue status over WebSocket")
	fmt.Println("  surveysync/            - PostgreSQL record service and HTTP API")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println()
	fmt.Println("1. Survey Server (examples/fieldsurvey_server/)")
	fmt.Println("   Record API with JWT auth, per-surveyor rate limiting and unique parcel checks")
	fmt.Println("   Run: go run ./examples/fieldsurvey_server")
	fmt.Println()
	fmt.Println("2. Field Device (examples/field_device/)")
	fmt.Println("   Simulated tablet going through dead zones, with status WebSocket")
	fmt.Println("   Run: go run ./examples/field_device -config examples/field_device/field_device.toml")
	fmt.Println()
}
